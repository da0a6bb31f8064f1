package orchestrator

import (
	"errors"

	"github.com/book-expert/aitalk-service/internal/params"
)

var (
	// ErrSetup indicates the engine could not be brought up. No request is
	// accepted after it.
	ErrSetup = errors.New("engine setup failed")
	// ErrVoiceNotFound indicates the requested voice has no speaker record.
	ErrVoiceNotFound = params.ErrVoiceNotFound
	// ErrAmbiguousVoice indicates the requested voice has several speaker records.
	ErrAmbiguousVoice = params.ErrAmbiguousVoice
	// ErrLanguageSwitch indicates the language resource could not be swapped.
	ErrLanguageSwitch = errors.New("language switch failed")
	// ErrSubmission indicates the engine refused a job or its parameters.
	ErrSubmission = errors.New("job submission failed")
	// ErrStream indicates a job failed while streaming or closing.
	ErrStream = errors.New("job stream failed")
	// ErrDelivery indicates a result had nobody left to receive it.
	ErrDelivery = errors.New("result not delivered")
	// ErrEmptyText indicates a request without text.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrNULInText indicates text the engine would cut short at a NUL byte.
	ErrNULInText = errors.New("text contains a NUL byte")
	// ErrQueueClosed indicates the orchestrator is not running.
	ErrQueueClosed = errors.New("orchestrator is not accepting requests")
)
