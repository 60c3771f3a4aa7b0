package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils" // Using the SafeCommand wrapper
)

// EmbeddingDim is the length of the descriptor produced by the worker model.
const EmbeddingDim = 512

// maxResponse guards against a corrupted length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

// LogicError is an error reported by the worker itself. The process stays
// usable after one.
type LogicError struct {
	Message string
}

func (e *LogicError) Error() string {
	return "python worker error: " + e.Message
}

// PythonWorker is one running inference process. It detects faces in a
// JPEG and returns a descriptor for each.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts command (e.g. python3 -u python/worker.py) with a
// side-channel pipe on FD 3 for responses.
func NewPythonWorker(id int, command []string) (*PythonWorker, error) {
	if len(command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	// 1. Wrap the process so its stderr survives a crash
	py := utils.NewSafeCommand(command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and returns the raw response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame runs detection on one JPEG and decodes every face found,
// in the order the detector reported them.
func (w *PythonWorker) ProcessFrame(img []byte) ([]types.FaceResult, error) {
	body, err := w.Communicate(img)
	if err != nil {
		return nil, err
	}
	return decodeFaces(body)
}

// decodeFaces parses a response body.
// OK:    [Status:0][NumFaces:u32] then per face [Box:4×i32][Vec:512×f32][Quality:f32]
// Error: [Status:1][MsgLen:u32][Msg]
func decodeFaces(body []byte) ([]types.FaceResult, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("malformed worker error: message length %d exceeds body", msgLen)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, &LogicError{Message: string(msg)}
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}

	const faceSize = 4*4 + EmbeddingDim*4 + 4
	if int64(numFaces)*faceSize > int64(r.Len()) {
		return nil, fmt.Errorf("malformed worker response: %d faces do not fit in %d bytes", numFaces, r.Len())
	}

	faces := make([]types.FaceResult, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		var vec [EmbeddingDim]float32
		var quality float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
			return nil, err
		}

		f := types.FaceResult{
			Loc:     [4]int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:     make([]float64, EmbeddingDim),
			Quality: float64(quality),
		}
		for j, v := range vec {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("face %d: NaN in embedding", i)
			}
			f.Vec[j] = float64(v)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Close shuts the process down and waits for it to exit.
func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Kill terminates the process immediately, unblocking any pending read.
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
}
