package models

import (
	"fmt"
	"strings"
)

// Action describes why a storage operation happens.
type Action string

const (
	ActionCache   Action = "cache"
	ActionStore   Action = "store"
	ActionDestroy Action = "destroy"
	ActionReplace Action = "replace"
)

var validActions = map[Action]struct{}{
	ActionCache:   {},
	ActionStore:   {},
	ActionDestroy: {},
	ActionReplace: {},
}

func ParseAction(raw string) (Action, error) {
	value := Action(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("action is required")
	}
	if _, ok := validActions[value]; !ok {
		return "", fmt.Errorf("invalid action: %s", value)
	}
	return value, nil
}

// RecordRef identifies a persisted record by type and primary key.
type RecordRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Persisted reports whether the reference names a stored record.
func (r RecordRef) Persisted() bool {
	return r.Type != "" && r.ID != ""
}

func (r RecordRef) String() string {
	return r.Type + "/" + r.ID
}

// Context is forwarded to storage calls made on behalf of an attachment.
type Context struct {
	Record RecordRef
	Name   string
	Action Action
}

// Record is the owning entity of an attachment. Attributes hold serialized
// attachment columns; nil means NULL.
type Record interface {
	Ref() RecordRef
	Attribute(name string) []byte
	SetAttribute(name string, value []byte)
}
