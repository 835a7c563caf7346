// Package harness runs scripted client sessions against the reference
// engine and compares their traces with golden files.
//
// # Scenario Format
//
//	name: symmetric-friends
//	description: "adding a friend links both users"
//	schema:
//	  types:
//	    user:
//	      name: string
//	      friends: {items: {ref: user, prop: friends}}
//	steps:
//	  - {op: create, type: user, as: alice, props: {name: Alice}}
//	  - {op: create, type: user, as: bob, props: {name: Bob, friends: ["@alice"]}}
//	  - {op: drain}
//	  - op: query
//	    query: {type: user, id: "@alice", include: [name, friends.name]}
//	    expect:
//	      result: {name: Alice, friends: [{name: Bob}]}
//	assertions:
//	  - {type: count, node: user, count: 2}
//
// A mutation's "as" names its handle. "@name" refers to it from later
// steps: as a handle in mutations, so references inside one batch
// resolve, and as the acknowledged node id in queries and assertions.
//
// # Determinism
//
// Every scenario gets a fresh in-memory store, a virtual clock starting at
// Epoch and a fixed session id, so node ids and traces are identical
// across runs. Only advance steps move the clock.
package harness
