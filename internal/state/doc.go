// Package state resolves the current value of each state slot in a room.
//
// Every state PDU names the PDU it supersedes through prev_state. When two
// servers supersede the same value independently, the room's history forks
// and each server must pick the same winner without coordinating.
//
// RESOLUTION:
//
// For an incoming PDU the engine asks the datastore for the unresolved state
// tree: the chain of prev_state links from the incoming PDU and from the
// slot's current PDU, walked back to a shared ancestor. Ancestors missing
// locally are fetched from the server that referenced them and the walk is
// repeated. Once the tree is complete:
//
//   - an empty slot accepts the incoming PDU
//   - a PDU that directly extends the current value is accepted
//   - otherwise fork-choice compares the two branches
//
// FORK-CHOICE:
//
// Stages run in fixed priority and the first to separate the branches
// decides:
//
//  1. power: the higher maximum power level among the branch's authors
//  2. length: the longer branch
//  3. hash: the lexicographically larger SHA-1 digest of the branch ids
//
// The stages depend only on replicated data, so every server reaches the
// same decision.
//
// CONCURRENCY:
//
// Resolutions for the same slot serialize on a per-slot lock held from the
// tree fetch through the pointer write. Different slots never contend.
package state
