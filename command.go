package hydradash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Tag names a ClientInput variant as understood by a Hydra node.
type Tag string

const (
	TagInit             Tag = "Init"
	TagAbort            Tag = "Abort"
	TagClose            Tag = "Close"
	TagContest          Tag = "Contest"
	TagFanout           Tag = "Fanout"
	TagNewTx            Tag = "NewTx"
	TagDecommit         Tag = "Decommit"
	TagRecover          Tag = "Recover"
	TagSideLoadSnapshot Tag = "SideLoadSnapshot"
)

// Tags lists every known ClientInput variant.
var Tags = []Tag{TagInit, TagAbort, TagClose, TagContest, TagFanout, TagNewTx, TagDecommit, TagRecover, TagSideLoadSnapshot}

// ParseTag returns the Tag named s, or ErrInvalidCommand.
func ParseTag(s string) (Tag, error) {
	for _, t := range Tags {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown tag %q", ErrInvalidCommand, s)
}

// ClientInput is a command submitted to a Hydra node. Payloads are opaque to
// this package and forwarded unmodified.
type ClientInput struct {
	Tag Tag

	// Transaction is set for NewTx and Decommit.
	Transaction json.RawMessage
	// RecoverTxID is set for Recover.
	RecoverTxID string
	// Snapshot is set for SideLoadSnapshot.
	Snapshot json.RawMessage
}

func Init() ClientInput    { return ClientInput{Tag: TagInit} }
func Abort() ClientInput   { return ClientInput{Tag: TagAbort} }
func Close() ClientInput   { return ClientInput{Tag: TagClose} }
func Contest() ClientInput { return ClientInput{Tag: TagContest} }
func Fanout() ClientInput  { return ClientInput{Tag: TagFanout} }

func NewTx(tx []byte) ClientInput {
	return ClientInput{Tag: TagNewTx, Transaction: Payload(tx)}
}

func Decommit(tx []byte) ClientInput {
	return ClientInput{Tag: TagDecommit, Transaction: Payload(tx)}
}

func Recover(txID string) ClientInput {
	return ClientInput{Tag: TagRecover, RecoverTxID: txID}
}

func SideLoadSnapshot(snapshot []byte) ClientInput {
	return ClientInput{Tag: TagSideLoadSnapshot, Snapshot: Payload(snapshot)}
}

// Payload turns a user supplied blob into its wire form. Only a JSON object
// or array is taken as structured and passed through, minus surrounding
// whitespace. Anything else, such as a CBOR hex string that happens to be
// all digits, is sent verbatim as a JSON string.
func Payload(b []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil
	}
	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return json.RawMessage(append([]byte(nil), trimmed...))
	}
	return StringPayload(string(b))
}

// StringPayload sends s as a JSON string whatever it contains.
func StringPayload(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// Validate checks the tag and that the variant's payload is present. The
// payload contents are the node's business.
func (ci ClientInput) Validate() error {
	switch ci.Tag {
	case TagInit, TagAbort, TagClose, TagContest, TagFanout:
		return nil
	case TagNewTx, TagDecommit:
		if isEmptyPayload(ci.Transaction) {
			return fmt.Errorf("%w: %s requires a transaction", ErrInvalidCommand, ci.Tag)
		}
		return nil
	case TagRecover:
		if ci.RecoverTxID == "" {
			return fmt.Errorf("%w: Recover requires a transaction id", ErrInvalidCommand)
		}
		return nil
	case TagSideLoadSnapshot:
		if isEmptyPayload(ci.Snapshot) {
			return fmt.Errorf("%w: SideLoadSnapshot requires a snapshot", ErrInvalidCommand)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing tag", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown tag %q", ErrInvalidCommand, ci.Tag)
	}
}

func isEmptyPayload(p json.RawMessage) bool {
	t := bytes.TrimSpace(p)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte(`""`))
}

type wireInput struct {
	Tag         Tag             `json:"tag"`
	Transaction json.RawMessage `json:"transaction,omitempty"`
	RecoverTxID string          `json:"recoverTxId,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
}

func (ci ClientInput) MarshalJSON() ([]byte, error) {
	w := wireInput{Tag: ci.Tag}
	switch ci.Tag {
	case TagNewTx, TagDecommit:
		w.Transaction = ci.Transaction
	case TagRecover:
		w.RecoverTxID = ci.RecoverTxID
	case TagSideLoadSnapshot:
		w.Snapshot = ci.Snapshot
	}
	return json.Marshal(w)
}

func (ci *ClientInput) UnmarshalJSON(b []byte) error {
	var w wireInput
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*ci = ClientInput{
		Tag:         w.Tag,
		Transaction: w.Transaction,
		RecoverTxID: w.RecoverTxID,
		Snapshot:    w.Snapshot,
	}
	return nil
}

func (ci ClientInput) String() string {
	return string(ci.Tag)
}

// NewClientInput builds the variant named by tag around payload. Variants
// without a payload ignore it.
func NewClientInput(tag Tag, payload []byte) (ClientInput, error) {
	var ci ClientInput
	switch tag {
	case TagInit, TagAbort, TagClose, TagContest, TagFanout:
		ci = ClientInput{Tag: tag}
	case TagNewTx:
		ci = NewTx(payload)
	case TagDecommit:
		ci = Decommit(payload)
	case TagRecover:
		ci = Recover(string(bytes.TrimSpace(payload)))
	case TagSideLoadSnapshot:
		ci = SideLoadSnapshot(payload)
	default:
		return ClientInput{}, fmt.Errorf("%w: unknown tag %q", ErrInvalidCommand, tag)
	}
	return ci, ci.Validate()
}
