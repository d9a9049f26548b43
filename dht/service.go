package dht

import (
	"kadnode/identifier"
	"kadnode/store"
)

const pingToken = "PONG"

// handlePing implements the PING RPC (spec §4.6): a constant token
// acknowledging liveness.
func (n *Node) handlePing(senderID identifier.ID, args []interface{}) (interface{}, error) {
	return pingToken, nil
}

// handleStore implements the STORE RPC. args: [key, value, originator_id,
// age_seconds?].
func (n *Node) handleStore(senderID identifier.ID, args []interface{}) (interface{}, error) {
	keyBytes, err := argBytes(args, 0)
	if err != nil {
		return nil, err
	}
	valueBytes, err := argBytes(args, 1)
	if err != nil {
		return nil, err
	}
	originatorBytes, err := argBytes(args, 2)
	if err != nil {
		return nil, err
	}

	key := identifier.FromBytes(keyBytes)
	originator := identifier.FromBytes(originatorBytes)
	now := n.now()

	meta := store.Metadata{
		OriginatorID:  originator,
		PublishedAt:   now,
		LastPublished: now,
		ExpiresAt:     n.expirationFor(key),
	}
	if len(args) > 3 {
		if ageSeconds, ok := args[3].(int64); ok && ageSeconds > 0 {
			meta.PublishedAt = now.Add(-durationFromSeconds(ageSeconds))
		}
	}

	n.store.Put(key, valueBytes, meta)
	return "OK", nil
}

// handleFindNode implements the FIND_NODE RPC: up to k contacts closest
// to target, excluding the requester (spec §4.6).
func (n *Node) handleFindNode(senderID identifier.ID, args []interface{}) (interface{}, error) {
	targetBytes, err := argBytes(args, 0)
	if err != nil {
		return nil, err
	}
	target := identifier.FromBytes(targetBytes)
	contacts := n.table.FindCloseNodes(target, n.cfg.K, &senderID)
	return encodeContacts(contacts), nil
}

// handleFindValue implements the FIND_VALUE RPC: the stored value if
// present locally, otherwise the same result FIND_NODE would give (spec
// §4.6).
func (n *Node) handleFindValue(senderID identifier.ID, args []interface{}) (interface{}, error) {
	keyBytes, err := argBytes(args, 0)
	if err != nil {
		return nil, err
	}
	key := identifier.FromBytes(keyBytes)

	if value, _, ok := n.store.Get(key); ok {
		return encodeFindValueResult(findValueResult{Found: true, Value: value}), nil
	}

	contacts := n.table.FindCloseNodes(key, n.cfg.K, &senderID)
	return encodeFindValueResult(findValueResult{Found: false, Contacts: contacts}), nil
}
