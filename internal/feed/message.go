package feed

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Kind tags a classified inbound message.
type Kind string

const (
	// KindTicker is a market-data ticker update.
	KindTicker Kind = "ticker"
	// KindHeartbeat is the venue's idle keep-alive.
	KindHeartbeat Kind = "heartbeat"
	// KindPong answers an outbound ping.
	KindPong Kind = "pong"
	// KindSystemStatus reports venue availability.
	KindSystemStatus Kind = "systemStatus"
	// KindSubscriptionStatus acknowledges subscribe/unsubscribe requests.
	KindSubscriptionStatus Kind = "subscriptionStatus"
	// KindError is a venue-reported error event.
	KindError Kind = "error"
	// KindConnectionStatus is a locally-generated lifecycle event.
	KindConnectionStatus Kind = "connectionStatus"
	// KindUnknown tags frames that match no known shape. They are still
	// delivered to handlers, never silently dropped.
	KindUnknown Kind = "unknown"
)

// Ticker carries the decoded market-data fields of a ticker update.
type Ticker struct {
	Last   string
	Bid    string
	Ask    string
	Volume string
}

// ConnectionStatus carries lifecycle details for locally-generated events.
type ConnectionStatus struct {
	Status              string
	Attempt             int
	ConsecutiveFailures int
	DelayMillis         int64
}

// Message is the tagged union produced by classifying one inbound frame.
// Classification happens once at the transport boundary; every downstream
// consumer switches on Kind instead of re-sniffing payload shapes.
type Message struct {
	Kind         Kind
	Pair         string
	Channel      string
	Ticker       *Ticker
	Status       string
	ErrorMessage string
	Connection   *ConnectionStatus
	Simulated    bool
	Raw          json.RawMessage
}

// Handler consumes classified feed messages.
type Handler func(Message)

type eventEnvelope struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

type tickerPayload struct {
	Ask    []any `json:"a"`
	Bid    []any `json:"b"`
	Close  []any `json:"c"`
	Volume []any `json:"v"`
}

// Classify decodes one raw frame into a tagged Message. Array-shaped frames
// with a market-data object in position 1 and a pair in position 3 are ticker
// updates; object-shaped frames dispatch on their event field; everything
// else is tagged unknown.
func Classify(frame []byte) Message {
	raw := json.RawMessage(append([]byte(nil), frame...))
	trimmed := strings.TrimSpace(string(frame))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if msg, ok := classifyArray(frame); ok {
			msg.Raw = raw
			return msg
		}
	case strings.HasPrefix(trimmed, "{"):
		if msg, ok := classifyEvent(frame); ok {
			msg.Raw = raw
			return msg
		}
	}
	return Message{Kind: KindUnknown, Raw: raw}
}

func classifyArray(frame []byte) (Message, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil || len(parts) < 4 {
		return Message{}, false
	}

	var payload tickerPayload
	if err := json.Unmarshal(parts[1], &payload); err != nil {
		return Message{}, false
	}
	var channel string
	if err := json.Unmarshal(parts[2], &channel); err != nil {
		return Message{}, false
	}
	var pair string
	if err := json.Unmarshal(parts[3], &pair); err != nil || pair == "" {
		return Message{}, false
	}

	ticker := &Ticker{
		Last:   firstNumeric(payload.Close),
		Bid:    firstNumeric(payload.Bid),
		Ask:    firstNumeric(payload.Ask),
		Volume: secondNumeric(payload.Volume),
	}
	return Message{Kind: KindTicker, Pair: pair, Channel: channel, Ticker: ticker}, true
}

func classifyEvent(frame []byte) (Message, bool) {
	var env eventEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, false
	}
	switch env.Event {
	case "heartbeat":
		return Message{Kind: KindHeartbeat}, true
	case "pong":
		return Message{Kind: KindPong}, true
	case "systemStatus":
		return Message{Kind: KindSystemStatus, Status: env.Status}, true
	case "subscriptionStatus":
		// A failed subscription is an error in a status envelope.
		if env.Status == "error" {
			return Message{Kind: KindError, Pair: env.Pair, ErrorMessage: env.ErrorMessage}, true
		}
		return Message{Kind: KindSubscriptionStatus, Pair: env.Pair, Status: env.Status}, true
	case "error":
		return Message{Kind: KindError, Pair: env.Pair, ErrorMessage: env.ErrorMessage}, true
	default:
		return Message{}, false
	}
}

func firstNumeric(values []any) string {
	return numericAt(values, 0)
}

func secondNumeric(values []any) string {
	return numericAt(values, 1)
}

// Venue payloads mix strings and bare numbers inside the same array.
func numericAt(values []any, idx int) string {
	if idx >= len(values) {
		return ""
	}
	switch v := values[idx].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
