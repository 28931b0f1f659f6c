// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*

Package ntdb implements a single-file, embedded key/value database safe for
concurrent use by multiple processes, modeled on the trivial database format
used by Samba.

A database is one file. Records are (key, value) byte-string pairs addressed
by a power-of-two hash table stored in the same file; there is no schema, no
secondary index, and no ordering guarantee over Traverse beyond "every record
exactly once" in the absence of concurrent writers.

Concurrent access

Every mutating operation takes the narrowest lock that correctness allows: a
single hash bucket for Store/Fetch/Delete, the expansion lock only while the
file is growing, and the whole-file lock only for WipeAll, Repack, and
transaction commit. Contexts in one process that open the same file share
one lock table and one Filer (and so one memory mapping) through a
process-wide registry keyed by (device, inode), so sibling *context values
in the same process never fight each other over kernel locks they already
hold. Separate processes coordinate only through the file's byte-range locks.

Transactions

TransactionStart begins buffering writes in memory instead of applying them.
TransactionPrepareCommit writes a recovery record — the pre-images of every
byte about to change — and fsyncs it before anything else moves, so a crash
between prepare and commit always leaves a database TransactionCommit or a
later Open can repair by replaying that record. TransactionCancel discards
the buffer and reloads the header from the file; it writes to the file only
to invalidate a recovery record that a prepare already wrote.

Crash safety

Open replays a pending recovery record before handing back a handle; a
database is only as crash-safe as the filesystem's fsync guarantee, and
FlagNoSync exists to trade that guarantee away for throwaway or test
databases.

*/
package ntdb
