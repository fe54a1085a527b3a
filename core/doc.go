// Package core implements the hierarchical actor tree for stagego.
//
// A Stage owns a tree of named actors. Actors are addressed by dotted or
// slashed paths, receive asynchronous method calls, and publish and
// subscribe to topics. Calls made to an actor that is still being
// constructed, or that is locked, are buffered and delivered in arrival
// order once the actor is ready. Subtrees may be hosted by a worker peer
// reached only through message passing.
package core
