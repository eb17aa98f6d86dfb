package worker

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

// ChecksumExecutor — executor для handler'а "checksum".
//
// Считает контрольную сумму файла пакета и, если задано, сверяет её.
//
// Params:
//   - path (string): путь к файлу (обязательно)
//   - algorithm (string): md5, sha1, sha256, sha512. Default: sha256
//   - expected (string): ожидаемая сумма в hex
//
// Outputs:
//   - path, algorithm, checksum (hex), size (bytes)
type ChecksumExecutor struct{}

// Execute считает контрольную сумму.
func (e *ChecksumExecutor) Execute(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error) {
	path := getString(task.Params, "path", "")
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidParams)
	}

	algorithm := strings.ToLower(getString(task.Params, "algorithm", "sha256"))
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		// Отсутствующий файл — логическая ошибка, повтор не поможет
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return &ExecutionResult{Error: err.Error()}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	size, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	outputs := map[string]any{
		"path":      path,
		"algorithm": algorithm,
		"checksum":  sum,
		"size":      size,
	}

	if expected := getString(task.Params, "expected", ""); expected != "" && !strings.EqualFold(expected, sum) {
		return &ExecutionResult{
			Outputs: outputs,
			Error:   fmt.Sprintf("%v: expected %s, got %s", ErrChecksumMismatch, expected, sum),
		}, nil
	}

	return &ExecutionResult{Outputs: outputs}, nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidParams, algorithm)
	}
}

// ctxReader прерывает чтение при отмене context.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
