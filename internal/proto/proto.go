package proto

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultKeyPrefix = "ngxmw_"

	// PubsubTopic is the gossipsub topic used by the push transport.
	PubsubTopic = "winmesh.windows.v1"
	MdnsTag     = "winmesh-mdns"

	// NoHeartbeat marks a peer that has never written its own record.
	NoHeartbeat int64 = -1
)

// PeerRecord is the store-resident description of one peer, overwritten
// wholesale by its owner on every heartbeat tick.
type PeerRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Heartbeat int64      `json:"heartbeat"`
	Messages  []Envelope `json:"messages"`
}

// Envelope is one outbox entry as seen by other peers.
type Envelope struct {
	MessageID        string          `json:"messageId"`
	SenderID         string          `json:"senderId"`
	RecipientID      string          `json:"recipientId"`
	Kind             Kind            `json:"kind"`
	Event            string          `json:"event,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	PayloadOffloaded bool            `json:"payloadOffloaded,omitempty"`
	SendTime         int64           `json:"sendTime"`
}

// KnownPeer is the locally cached projection of a PeerRecord.
type KnownPeer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Heartbeat int64  `json:"heartbeat"`
	Stalled   bool   `json:"stalled"`
	Self      bool   `json:"self"`
}

// Message is a fully resolved DATA envelope handed to subscribers.
type Message struct {
	MessageID  string          `json:"messageId"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	Listener   string          `json:"listener,omitempty"` // named-listener deliveries only
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PeerKeyPrefix returns the key prefix shared by every PeerRecord.
func PeerKeyPrefix(prefix string) string {
	return prefix + "w_"
}

func PeerKey(prefix, peerID string) string {
	return PeerKeyPrefix(prefix) + peerID
}

func PayloadKey(prefix, messageID string) string {
	return prefix + "payload_" + messageID
}

// IsPeerKey reports whether key addresses a PeerRecord.
func IsPeerKey(prefix, key string) bool {
	return strings.HasPrefix(key, PeerKeyPrefix(prefix)) && len(key) > len(PeerKeyPrefix(prefix))
}

// MatchPeerKey extracts a peer id from any string containing a peer key,
// e.g. a URL fragment, a command-line locator or a slot value.
func MatchPeerKey(prefix, s string) (string, bool) {
	re, err := regexp.Compile(regexp.QuoteMeta(PeerKeyPrefix(prefix)) + `([a-z0-9]+)`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func NowMillis() int64 { return time.Now().UnixMilli() }
