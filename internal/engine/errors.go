package engine

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned by a Transport when the peer has gone
// away. It ends the session loop without being reported as a failure.
var ErrDisconnected = errors.New("transport disconnected")

// Stage names the pipeline step a collaborator error belongs to.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// STTError wraps a speech-to-text collaborator failure.
type STTError struct {
	Err error
}

func (e *STTError) Error() string {
	return fmt.Sprintf("speech recognition failed: %v", e.Err)
}

func (e *STTError) Unwrap() error { return e.Err }

// LLMError wraps a language-model collaborator failure.
type LLMError struct {
	Err error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("language model failed: %v", e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// TTSError wraps a text-to-speech collaborator failure.
type TTSError struct {
	Err error
}

func (e *TTSError) Error() string {
	return fmt.Sprintf("speech synthesis failed: %v", e.Err)
}

func (e *TTSError) Unwrap() error { return e.Err }

// stageOf classifies a turn error for reporting. Unknown errors map to
// the stage the caller was in.
func stageOf(err error, fallback Stage) Stage {
	var stt *STTError
	var llm *LLMError
	var tts *TTSError
	switch {
	case errors.As(err, &stt):
		return StageSTT
	case errors.As(err, &llm):
		return StageLLM
	case errors.As(err, &tts):
		return StageTTS
	}
	return fallback
}
