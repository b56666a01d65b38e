package node

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mizy/claude-agent-hub/internal/backend"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

func TestProcessUnknownNodeType(t *testing.T) {
	f := newNodeFixture(t)
	pc := simplePC(&workflow.Node{ID: "x", Type: "teleport"}, nil)

	res := f.proc.Process(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, workflow.ErrorPermanent, res.Category)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want workflow.ErrorCategory
	}{
		{backend.ErrTimeout, workflow.ErrorTransient},
		{backend.ErrCancelled, workflow.ErrorTransient},
		{fmt.Errorf("invoke: %w", backend.ErrConfig), workflow.ErrorPermanent},
		{errors.New("429 rate limit exceeded"), workflow.ErrorTransient},
		{errors.New("upstream 503 unavailable"), workflow.ErrorTransient},
		{errors.New("connection reset by peer"), workflow.ErrorTransient},
		{errors.New("invalid model name"), workflow.ErrorPermanent},
		{errors.New("permission denied"), workflow.ErrorPermanent},
		{errors.New("something odd happened"), workflow.ErrorUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), c.err.Error())
	}
	assert.Equal(t, workflow.ErrorCategory(""), Classify(nil))
}
