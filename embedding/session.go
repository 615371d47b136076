package embedding

import (
	"fmt"
	"os"

	"github.com/Tutortoise/face-embedding-service/preprocess"
	ort "github.com/yalue/onnxruntime_go"
)

// Runner is one exclusive inference context.
type Runner interface {
	Run(tensor []float32) ([]float32, error)
	Destroy()
}

// Session owns an onnxruntime session bound to fixed input and output tensors.
type Session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewSession(cfg Config) (*Session, error) {
	cfg.applyDefaults()
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			return nil, fmt.Errorf("error setting intra-op threads: %w", err)
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			return nil, fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}

	// NHWC, matching the interleaved layout written by preprocess
	inputShape := ort.NewShape(1, preprocess.InputSize, preprocess.InputSize, preprocess.Channels)
	outputShape := ort.NewShape(1, int64(cfg.Dimension))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &Session{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

// Run copies tensor into the bound input, runs the model and returns a
// normalized copy of the output.
func (s *Session) Run(tensor []float32) ([]float32, error) {
	if err := checkInput(tensor); err != nil {
		return nil, err
	}
	copy(s.input.GetData(), tensor)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return L2Normalize(out), nil
}

func (s *Session) Destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}
