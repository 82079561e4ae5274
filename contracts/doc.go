// Package contracts defines the event envelope that flows through the relay.
//
// An Event is self-describing: its Type names the payload kind and its
// Payload carries the kind-specific body as raw JSON. Direct events list
// their recipients in UserIDs and are copied once into each recipient's
// queue. Schedule events carry a RoutingKey (the provider id) instead and
// reach every subscriber bound to that provider.
//
// The wire format is JSON with camelCase keys:
//
//	{
//	  "id": "6f1c...",
//	  "type": "message",
//	  "userIds": ["alice", "bob"],
//	  "timestamp": "2024-05-01T10:00:00Z",
//	  "payload": {"messageId": "m-1", "content": "hi"}
//	}
package contracts
