package stream

import (
	"fmt"
	"time"

	"github.com/skypro1111/asr-stream-gateway/internal/engine"
	"github.com/skypro1111/asr-stream-gateway/internal/inference"
	"github.com/skypro1111/asr-stream-gateway/internal/protocol"
)

// Pipeline names
const (
	PipelineASR = "asr"
	PipelineVAD = "vad"
)

// Output selects the outbound message built from engine results
type Output int

const (
	// OutputRecognition emits recognition_result with the engine text
	OutputRecognition Output = iota
	// OutputVAD emits vad_result with the engine segments
	OutputVAD
)

// Pipeline binds an endpoint to an adapter and its chunking parameters
type Pipeline struct {
	Name           string
	Adapter        *inference.Adapter
	Stride         int
	DebounceWindow time.Duration // 0 disables inactivity flushes
	Output         Output
	StartedStatus  string
	StoppedStatus  string

	// Aliases maps extra inbound types onto their canonical type
	Aliases map[string]string
	// UnavailableMessage is sent when the adapter has no engine loaded
	UnavailableMessage string
}

// Validate checks the pipeline
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name cannot be empty")
	}
	if p.Adapter == nil {
		return fmt.Errorf("pipeline %s: adapter cannot be nil", p.Name)
	}
	if p.Stride <= 0 {
		return fmt.Errorf("pipeline %s: stride must be positive, got %d", p.Name, p.Stride)
	}
	if p.DebounceWindow < 0 {
		return fmt.Errorf("pipeline %s: debounce window cannot be negative", p.Name)
	}
	return nil
}

func (p *Pipeline) unavailableMessage() string {
	if p.UnavailableMessage != "" {
		return p.UnavailableMessage
	}
	return fmt.Sprintf("%s engine not loaded", p.Name)
}

// result builds the outbound message for an engine result, or nil when the
// engine has nothing new to report
func (p *Pipeline) result(s *Session, res *engine.StreamResult, finality engine.Finality) any {
	isFinal := finality == engine.HardFinal

	switch p.Output {
	case OutputVAD:
		if len(res.Segments) == 0 {
			return nil
		}
		msg := protocol.NewVADResult(res.Segments, isFinal)
		if s.GroupID != "" {
			msg.SessionID = s.ID
			msg.GroupID = s.GroupID
		}
		return msg

	default:
		if res.Text == "" {
			return nil
		}
		msg := protocol.NewRecognitionResult(res.Text, isFinal)
		if s.GroupID != "" {
			msg.SessionID = s.ID
			msg.GroupID = s.GroupID
		}
		return msg
	}
}
