/*
Package hashcache maintains content hashes of workflow files without
re-reading unchanged data.

Hashes are stored in a BoltDB file keyed by path, together with the size
and modification time observed when the hash was computed. A lookup whose
stat matches the stored record returns the cached hash; anything else
re-hashes the file and updates the record.

The cache also derives task identities: the hash of a command, its input
file contents, and its output names, used by content-addressed backends to
recognise work they have already staged.
*/
package hashcache
