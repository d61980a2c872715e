package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeForeground, false},
		{"foreground", ModeForeground, false},
		{"background", ModeBackground, false},
		{"sideways", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCapabilityProfile_Permits(t *testing.T) {
	p := CapabilityProfile{Type: "explore", Operations: []string{"read", "glob"}}

	assert.True(t, p.Permits("read"))
	assert.True(t, p.Permits("glob"))
	assert.False(t, p.Permits("delete"))
	assert.False(t, p.Permits(""))
}

func TestCapabilityProfile_Render(t *testing.T) {
	assert.Equal(t, "do it", CapabilityProfile{}.Render("do it"))

	p := CapabilityProfile{Template: "You explore.\nTask: {{instruction}}"}
	assert.Equal(t, "You explore.\nTask: find x", p.Render("find x"))

	p = CapabilityProfile{Template: "You explore."}
	assert.Equal(t, "You explore.\n\nfind x", p.Render("find x"))
}

func TestCapabilityProfile_CloneIsIndependent(t *testing.T) {
	p := CapabilityProfile{Type: "edit", Operations: []string{"write", "read"}}
	c := p.Clone()
	c.Operations[0] = "bash"

	assert.Equal(t, []string{"write", "read"}, p.Operations)
	assert.Equal(t, []string{"bash", "write"}, c.Operations)
}

func TestErrorTaxonomy(t *testing.T) {
	violation := fmt.Errorf("run: %w", &CapabilityViolationError{Profile: "explore", Operation: "delete"})
	assert.ErrorIs(t, violation, ErrCapabilityViolation)
	assert.True(t, IsWorkerLocal(violation))
	assert.Contains(t, violation.Error(), `"delete"`)

	cause := errors.New("disk on fire")
	tool := &ToolFailureError{Operation: "read", Err: cause}
	assert.ErrorIs(t, tool, ErrToolFailure)
	assert.ErrorIs(t, tool, cause)

	assert.True(t, IsCancellation(ErrCancelled))
	assert.False(t, IsCancellation(ErrTimeout))
	assert.False(t, IsCancellation(fmt.Errorf("%w: %w", ErrTimeout, ErrCancelled)))
	assert.False(t, IsWorkerLocal(ErrSessionBusy))
}

func TestNewFailure(t *testing.T) {
	task := Task{ID: "t1", Profile: "explore", Round: 3, SessionID: "s1"}

	r := NewFailure(task, ErrCancelled, time.Second)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Equal(t, "s1", r.SessionID)
	assert.Equal(t, 3, r.Round)

	r = NewFailure(task, &CapabilityViolationError{Profile: "explore", Operation: "delete"}, 0)
	assert.Equal(t, StatusFailed, r.Status)
	assert.ErrorIs(t, r.Err, ErrCapabilityViolation)
	assert.NotEmpty(t, r.Error)
	assert.False(t, r.Succeeded())
}

func TestSession_Clone(t *testing.T) {
	s := &Session{ID: "s", History: []Exchange{{Instruction: "a", Result: "b"}}}
	c := s.Clone()
	c.History[0].Result = "changed"
	c.History = append(c.History, Exchange{Instruction: "x"})

	assert.Equal(t, "b", s.History[0].Result)
	assert.Len(t, s.History, 1)
	assert.Nil(t, (*Session)(nil).Clone())
}
