// Package ortruntime guards ONNX Runtime's process-wide environment
// initialisation so the onnxdetect and onnxembed adapters can each
// load models without double-initialising (or needing to coordinate)
// the shared native environment.
package ortruntime

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	once    sync.Once
	initErr error
)

// EnsureInitialized initialises the ONNX Runtime environment exactly
// once per process, regardless of how many adapters call it.
func EnsureInitialized() error {
	once.Do(func() {
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("ortruntime: initialize environment: %w", err)
		}
	})
	return initErr
}
