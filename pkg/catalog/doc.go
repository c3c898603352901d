/*
Package catalog talks to the directory service where managers and
factories publish their status.

Queries fetch the manager list over HTTP and filter it by a project-name
regular expression. Updates travel the other way as a single JSON object
per datagram (or one short-lived TCP connection, selected with
CATALOG_UPDATE_PROTOCOL); payloads above the configured size threshold are
zlib-compressed and prefixed with a 0x1A marker byte.

The directory service is treated as unreliable end to end: callers log
update failures and retry on their next cycle rather than propagating.
*/
package catalog
