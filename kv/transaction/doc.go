package transaction

// The transaction packages implement the replica side of SeqKV's commit pipeline. A commit request arrives from a
// client, the matching order assignment arrives separately from the sequencer; the replica must apply commits strictly in
// order number order and decide commit or abort from its local data alone, so that every replica reaches the same result.
//
// `holdback` holds a commit request until its order number is the replica's next turn. Only one commit holds the turn at
// a time, and the turn passes on only once that commit is finished. This is what makes validation and writing atomic
// with respect to other commits: there is no other lock.
//
// `occ` validates a transaction's read set against stored versions (any key stored at a newer version than the client
// read aborts the transaction; keys absent from storage never do) and lowers the write set into one batch of versioned
// writes, where a new key starts at version 0 and every later write increments it by one.
//
// Reads do not go through either package; they are answered straight from storage and may observe data while a commit is
// held.
