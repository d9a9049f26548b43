package dht

import (
	"fmt"
	"time"

	"kadnode/identifier"
	"kadnode/kbucket"
)

// Wire-level shapes for FIND_NODE/FIND_VALUE payloads. The spec pins the
// envelope format (§6) but leaves each method's argument/result shape to
// the implementation; this file is the one place that decision lives.

func encodeContact(c kbucket.Contact) map[string]interface{} {
	return map[string]interface{}{
		"id":   []byte(c.ID[:]),
		"host": []byte(c.Host),
		"port": int64(c.Port),
	}
}

func decodeContact(v interface{}) (kbucket.Contact, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return kbucket.Contact{}, fmt.Errorf("dht: contact entry is not a mapping")
	}
	idBytes, ok := m["id"].([]byte)
	if !ok {
		return kbucket.Contact{}, fmt.Errorf("dht: contact missing id")
	}
	hostBytes, ok := m["host"].([]byte)
	if !ok {
		return kbucket.Contact{}, fmt.Errorf("dht: contact missing host")
	}
	port, ok := m["port"].(int64)
	if !ok {
		return kbucket.Contact{}, fmt.Errorf("dht: contact missing port")
	}
	return kbucket.Contact{
		ID:       identifier.FromBytes(idBytes),
		Host:     string(hostBytes),
		Port:     uint16(port),
		LastSeen: time.Now(),
	}, nil
}

func encodeContacts(contacts []kbucket.Contact) []interface{} {
	out := make([]interface{}, len(contacts))
	for i, c := range contacts {
		out[i] = encodeContact(c)
	}
	return out
}

func decodeContacts(v interface{}) ([]kbucket.Contact, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("dht: contact list is not a list")
	}
	out := make([]kbucket.Contact, 0, len(list))
	for _, item := range list {
		c, err := decodeContact(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// findValueResult is the FIND_VALUE response shape: either the stored
// value itself, or the same contact list FIND_NODE would have returned
// (spec §4.6).
type findValueResult struct {
	Found    bool
	Value    []byte
	Contacts []kbucket.Contact
}

func encodeFindValueResult(r findValueResult) map[string]interface{} {
	if r.Found {
		return map[string]interface{}{"found": int64(1), "value": r.Value}
	}
	return map[string]interface{}{"found": int64(0), "contacts": encodeContacts(r.Contacts)}
}

func decodeFindValueResult(v interface{}) (findValueResult, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return findValueResult{}, fmt.Errorf("dht: find_value result is not a mapping")
	}
	found, ok := m["found"].(int64)
	if !ok {
		return findValueResult{}, fmt.Errorf("dht: find_value result missing found flag")
	}
	if found != 0 {
		value, ok := m["value"].([]byte)
		if !ok {
			return findValueResult{}, fmt.Errorf("dht: find_value result missing value")
		}
		return findValueResult{Found: true, Value: value}, nil
	}
	contacts, err := decodeContacts(m["contacts"])
	if err != nil {
		return findValueResult{}, err
	}
	return findValueResult{Found: false, Contacts: contacts}, nil
}
