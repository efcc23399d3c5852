package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fleet/errors"
)

// ============================================================================
// Phone Book Test Universe
// ============================================================================
//
// Characters:
//   - Phone Company: Maintains the registry of who handles what calls
//
// Theme: HandlerRegistry is like a phone book that maps department names to
// the people who handle calls for that department. Want to reach "tech-support"?
// The phone book tells you who answers those calls.
// ============================================================================

// phoneBookTestHandler is a test handler that records it was called
type phoneBookTestHandler struct {
	name        string
	wasCalled   bool
	lastJobID   int64
	shouldError bool
}

func (h *phoneBookTestHandler) Name() string {
	return h.name
}

func (h *phoneBookTestHandler) Execute(ctx context.Context, job *Job) (Result, error) {
	h.wasCalled = true
	h.lastJobID = job.ID
	if h.shouldError {
		return Result{}, errors.New("mock handler error")
	}
	return Result{Summary: "answered"}, nil
}

func TestHandlerRegistry_PhoneBook(t *testing.T) {
	t.Run("phone company creates empty phone book", func(t *testing.T) {
		phoneBook := NewHandlerRegistry()
		require.NotNil(t, phoneBook)
		assert.Empty(t, phoneBook.Names())
	})

	t.Run("phone company looks up department in phone book", func(t *testing.T) {
		phoneBook := NewHandlerRegistry()
		phoneBook.Register(&phoneBookTestHandler{name: "tech-support"})

		handler := phoneBook.Get("tech-support")
		require.NotNil(t, handler)
		assert.Equal(t, "tech-support", handler.Name())
		assert.True(t, phoneBook.Has("tech-support"))
		assert.False(t, phoneBook.Has("legal"))
		assert.Nil(t, phoneBook.Get("legal"))
	})

	t.Run("phone company routes calls using phone book", func(t *testing.T) {
		phoneBook := NewHandlerRegistry()
		techSupport := &phoneBookTestHandler{name: "tech-support"}
		phoneBook.Register(techSupport)

		call := &Job{ID: 1, Kind: "tech-support"}
		result, err := phoneBook.Get(call.Kind).Execute(context.Background(), call)
		require.NoError(t, err)
		assert.Equal(t, "answered", result.Summary)
		assert.True(t, techSupport.wasCalled)
		assert.Equal(t, int64(1), techSupport.lastJobID)
	})

	t.Run("phone company rejects duplicate entries", func(t *testing.T) {
		phoneBook := NewHandlerRegistry()
		phoneBook.Register(&phoneBookTestHandler{name: "tech-support"})

		assert.Panics(t, func() {
			phoneBook.Register(&phoneBookTestHandler{name: "tech-support"})
		})
	})

	t.Run("phone company lists departments alphabetically", func(t *testing.T) {
		phoneBook := NewHandlerRegistry()
		phoneBook.Register(&phoneBookTestHandler{name: "tech-support"})
		phoneBook.Register(&phoneBookTestHandler{name: "billing"})
		phoneBook.Register(HandlerFunc{Kind: "sales", Fn: func(context.Context, *Job) (Result, error) {
			return Result{}, nil
		}})

		assert.Equal(t, []string{"billing", "sales", "tech-support"}, phoneBook.Names())
	})
}
