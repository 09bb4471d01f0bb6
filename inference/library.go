package inference

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// LibraryEnv overrides the platform default ONNX Runtime library path.
const LibraryEnv = "ONNXRUNTIME_LIB"

// SharedLibraryPath resolves the ONNX Runtime shared library for this platform.
//
// Arguments:
//   - configured: An explicit path; empty falls back to LibraryEnv and then
//     the platform default.
//
// Returns:
//   - string: The library path.
//   - error: An error if the platform has no default and none was given.
func SharedLibraryPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv(LibraryEnv); env != "" {
		return env, nil
	}

	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll", nil
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library default for %s/%s", runtime.GOOS, runtime.GOARCH)
}
