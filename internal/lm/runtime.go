package lm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// RuntimeSettings controls onnxruntime session threading.
type RuntimeSettings struct {
	IntraThreads int
	InterThreads int
}

var runtimeMu sync.Mutex

// EnsureRuntime points onnxruntime at its shared library and initializes the
// environment once per process.
func EnsureRuntime(bundleDir string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	libPath := resolveSharedLibraryPath(bundleDir)
	if libPath == "" {
		return fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// resolveSharedLibraryPath locates a platform-specific onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names/locations are probed.
func resolveSharedLibraryPath(bundleDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		".",
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func NewSessionOptions(rt RuntimeSettings) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if rt.IntraThreads > 0 {
		if err := opts.SetIntraOpNumThreads(rt.IntraThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set intra threads: %w", err)
		}
	}
	if rt.InterThreads > 0 {
		if err := opts.SetInterOpNumThreads(rt.InterThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set inter threads: %w", err)
		}
	}
	return opts, nil
}

// HasInput reports whether the model graph declares an input called name.
func HasInput(modelPath, name string) (bool, error) {
	inputs, _, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return false, fmt.Errorf("inspect model inputs: %w", err)
	}
	for _, in := range inputs {
		if strings.EqualFold(in.Name, name) {
			return true, nil
		}
	}
	return false, nil
}
