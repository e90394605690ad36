package seqkv

/*
SeqKV is a replicated transactional key/value store. Every replica holds a full copy of a keyed, versioned dataset.
Clients buffer writes and cache reads locally, then commit whole transactions. A single sequencer puts all commits into
one global order and every replica applies them in that order, validating each against its own data first. Replicas never
talk to each other; they stay identical because they run the same transactions in the same order.

Building SeqKV produces two executables: seqkv-server, which runs the membership directory, the sequencer or a replica,
and seqkv-ctl, an interactive transaction shell.

The `seqkv` module is organized into the following packages, all under `kv`:

* `wire` and `transport`: the binary frames exchanged by all processes, and the code sending and serving them.
* `directory`: the membership directory every process registers with.
* `sequencer`: hands out order numbers and forwards them to every replica.
* `server`: the replica, built on `transaction/holdback` (waiting for a commit's turn) and `transaction/occ`
  (validating and applying it) over `storage`.
* `client`: the client side of a transaction.
* `status`: HTTP status and metrics.
*/
