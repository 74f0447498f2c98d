package engine

import (
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// emitter assigns sequence numbers and timestamps to turn events. All
// events for one turn flow through a single emitter, so consumers see a
// strictly ordered stream.
type emitter struct {
	ch  chan *models.TurnEvent
	seq uint64
	now func() time.Time
}

func newEmitter(buffer int) *emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &emitter{
		ch:  make(chan *models.TurnEvent, buffer),
		now: time.Now,
	}
}

func (e *emitter) send(ev *models.TurnEvent) {
	ev.Sequence = e.seq
	ev.Time = e.now()
	e.seq++
	e.ch <- ev
}

func (e *emitter) textDelta(delta string) {
	e.send(&models.TurnEvent{
		Type: models.TurnEventTextDelta,
		Text: &models.TextDeltaPayload{Delta: delta},
	})
}

func (e *emitter) toolState(inv *models.ToolInvocation) {
	e.send(&models.TurnEvent{
		Type: models.TurnEventToolState,
		Tool: &models.ToolStatePayload{
			ToolCallID: inv.ToolCallID,
			ToolName:   inv.ToolName,
			State:      inv.State,
			Input:      inv.Input,
			Output:     inv.Output,
			ErrorText:  inv.ErrorText,
		},
	})
}

func (e *emitter) complete(msg *models.ChatMessage, steps int) {
	e.send(&models.TurnEvent{
		Type:     models.TurnEventComplete,
		Complete: &models.CompletePayload{Message: msg, Steps: steps},
	})
}

func (e *emitter) fail(msg string) {
	e.send(&models.TurnEvent{
		Type:  models.TurnEventError,
		Error: &models.ErrorPayload{Message: msg},
	})
}

func (e *emitter) close() {
	close(e.ch)
}
