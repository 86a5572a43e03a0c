package orchestrator

import "errors"


var (
	
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	
	ErrLLMFailed = errors.New("language model generation failed")

	
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	
	ErrNilProvider = errors.New("required provider is nil")


	ErrContextCancelled = errors.New("operation cancelled by context")


	ErrToolNotFound = errors.New("requested tool is not registered")


	ErrToolSchemaViolation = errors.New("tool arguments do not match declared schema")


	ErrToolTimeout = errors.New("tool invocation exceeded its wall-clock limit")


	ErrMaxToolIterations = errors.New("brain loop reached max tool iterations")
)
