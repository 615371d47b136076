package embedding

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeInitOnce sync.Once
	runtimeInitErr  error
)

// InitRuntime loads the ONNX Runtime shared library once per process.
// An empty libPath searches the usual install locations.
func InitRuntime(libPath string) error {
	runtimeInitOnce.Do(func() {
		path, err := locateLibrary(libPath)
		if err != nil {
			runtimeInitErr = err
			return
		}
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeInitErr = fmt.Errorf("initialize onnx runtime: %w", err)
		}
	})
	return runtimeInitErr
}

// DestroyRuntime releases the runtime at process shutdown.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// libraryName is the runtime file name for the current OS.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

func locateLibrary(libPath string) (string, error) {
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return "", fmt.Errorf("onnx runtime library: %w", err)
		}
		return libPath, nil
	}

	name := libraryName()
	dirs := []string{"lib", "/usr/local/lib", "/usr/lib"}
	if exe, err := os.Executable(); err == nil {
		dirs = append([]string{filepath.Dir(exe), filepath.Join(filepath.Dir(exe), "lib")}, dirs...)
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("onnx runtime library %s not found in %v", name, dirs)
}
