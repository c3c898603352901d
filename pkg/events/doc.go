/*
Package events provides an in-process broker for workflow lifecycle events.

The engine publishes an event for every node state transition, job retry,
and workflow outcome; subscribers (the CLI progress printer,
tests) receive them over buffered channels. Delivery is best effort: a
subscriber that falls behind misses events rather than stalling the engine.
*/
package events
