package chat

import (
	"encoding/json"
	"fmt"
)

// Op is a single chat operation. Ops are carried in a Command envelope
// which adds the client retry identity and the timestamp assigned by
// the leader when the command is accepted.
type Op interface {
	GetType() string

	fmt.Stringer
}

type OpRegister struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
}

func (op *OpRegister) GetType() string {
	return "register"
}

func (op *OpRegister) String() string {
	return fmt.Sprintf("Register{username: %q}", op.Username)
}

type OpDeleteAccount struct {
	Username string `json:"username"`
}

func (op *OpDeleteAccount) GetType() string {
	return "deleteAccount"
}

func (op *OpDeleteAccount) String() string {
	return fmt.Sprintf("DeleteAccount{username: %q}", op.Username)
}

type OpSendMessage struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func (op *OpSendMessage) GetType() string {
	return "sendMessage"
}

func (op *OpSendMessage) String() string {
	return fmt.Sprintf("SendMessage{sender: %q, recipient: %q, %d bytes}",
		op.Sender, op.Recipient, len(op.Content))
}

type OpDeleteMessages struct {
	Username string      `json:"username"`
	Ids      []MessageId `json:"ids"`
}

func (op *OpDeleteMessages) GetType() string {
	return "deleteMessages"
}

func (op *OpDeleteMessages) String() string {
	return fmt.Sprintf("DeleteMessages{username: %q, %d ids}",
		op.Username, len(op.Ids))
}

type OpMarkRead struct {
	Username string      `json:"username"`
	Ids      []MessageId `json:"ids"`
}

func (op *OpMarkRead) GetType() string {
	return "markRead"
}

func (op *OpMarkRead) String() string {
	return fmt.Sprintf("MarkRead{username: %q, %d ids}",
		op.Username, len(op.Ids))
}

// Command is the envelope stored in the replicated log. ClientId and
// Sequence identify a client retry; Timestamp is assigned by the leader
// when the command is proposed so that replicas never consult their own
// clock during apply.
type Command struct {
	ClientId  string
	Sequence  int64
	Timestamp int64
	Op        Op
}

func (cmd *Command) String() string {
	return fmt.Sprintf("Command{client: %q, sequence: %d, op: %v}",
		cmd.ClientId, cmd.Sequence, cmd.Op)
}

func EncodeCommand(cmd *Command) ([]byte, error) {
	value := struct {
		Type      string `json:"type"`
		ClientId  string `json:"clientId,omitempty"`
		Sequence  int64  `json:"sequence,omitempty"`
		Timestamp int64  `json:"timestamp"`
		Value     Op     `json:"value"`
	}{
		Type:      cmd.Op.GetType(),
		ClientId:  cmd.ClientId,
		Sequence:  cmd.Sequence,
		Timestamp: cmd.Timestamp,
		Value:     cmd.Op,
	}

	return json.Marshal(value)
}

func DecodeCommand(data []byte) (*Command, error) {
	var value struct {
		Type      string          `json:"type"`
		ClientId  string          `json:"clientId"`
		Sequence  int64           `json:"sequence"`
		Timestamp int64           `json:"timestamp"`
		Value     json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var op Op

	switch value.Type {
	case "register":
		op = &OpRegister{}

	case "deleteAccount":
		op = &OpDeleteAccount{}

	case "sendMessage":
		op = &OpSendMessage{}

	case "deleteMessages":
		op = &OpDeleteMessages{}

	case "markRead":
		op = &OpMarkRead{}

	default:
		return nil, fmt.Errorf("unknown command type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &op); err != nil {
		return nil, err
	}

	cmd := Command{
		ClientId:  value.ClientId,
		Sequence:  value.Sequence,
		Timestamp: value.Timestamp,
		Op:        op,
	}

	return &cmd, nil
}
