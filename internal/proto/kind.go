package proto

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates outbox envelopes.
type Kind string

const (
	KindData  Kind = "DATA"  // application message
	KindAck   Kind = "ACK"   // recipient -> sender, reuses the original message id
	KindProbe Kind = "PROBE" // liveness check for a peer that may not exist yet
)

func (k Kind) Valid() bool {
	switch k {
	case KindData, KindAck, KindProbe:
		return true
	}
	return false
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Kind(s)
	if !v.Valid() {
		return fmt.Errorf("unknown envelope kind %q", s)
	}
	*k = v
	return nil
}
