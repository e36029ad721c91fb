package hitlflow

import "go.jetify.com/typeid"

// NewRunID returns a new identifier for a workflow run.
func NewRunID() string {
	return newID("run")
}

// NewCheckpointID returns a new identifier for a checkpoint record.
func NewCheckpointID() string {
	return newID("ckpt")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
