package inference

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/preprocess"
)

// The onnxruntime environment is process global.
var envMu sync.Mutex

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize ONNX runtime: %w", err)
	}
	return nil
}

// onnxBackend runs an image embedding model exported to ONNX. The model
// takes a float32 [N,C,H,W] input and produces a [N,D] output.
type onnxBackend struct {
	session    *ort.DynamicAdvancedSession
	mu         sync.Mutex
	inputName  string
	outputName string
	inputShape [3]int
	dims       int
	outRank    int
	device     string
}

var _ Backend = (*onnxBackend)(nil)

func newONNXBackend(cfg *config.Config, logger zerolog.Logger) (Backend, error) {
	if err := initEnvironment(cfg.Model.ORTLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Model.Path)
	if err != nil {
		return nil, fmt.Errorf("read model info: %w", err)
	}
	in, err := pickTensor(inputs, cfg.Model.InputName, "input")
	if err != nil {
		return nil, err
	}
	out, err := pickTensor(outputs, cfg.Model.OutputName, "output")
	if err != nil {
		return nil, err
	}
	shape, err := inputShape(in.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", in.Name, err)
	}
	dims, err := outputDimensions(out.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("output %s: %w", out.Name, err)
	}

	session, device, err := newSession(cfg, in.Name, out.Name, logger)
	if err != nil {
		return nil, err
	}
	return &onnxBackend{
		session:    session,
		inputName:  in.Name,
		outputName: out.Name,
		inputShape: shape,
		dims:       dims,
		outRank:    len(out.Dimensions),
		device:     device,
	}, nil
}

func pickTensor(infos []ort.InputOutputInfo, name, what string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model has no %s", what)
	}
	if name == "" {
		if len(infos) > 1 {
			return ort.InputOutputInfo{}, fmt.Errorf("model has %d %ss, set model.%s_name", len(infos), what, what)
		}
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", what, name)
}

// inputShape checks a rank-4 NCHW input and returns its C,H,W (0 when dynamic).
func inputShape(s ort.Shape) ([3]int, error) {
	if len(s) != 4 {
		return [3]int{}, fmt.Errorf("expected rank 4 NCHW input, got shape %v", s)
	}
	var out [3]int
	for i, d := range s[1:] {
		if d > 0 {
			out[i] = int(d)
		}
	}
	return out, nil
}

// outputDimensions returns the embedding size of an [N,D] output. Trailing
// singleton axes ([N,D,1,1]) are accepted.
func outputDimensions(s ort.Shape) (int, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("expected [N,D] output, got shape %v", s)
	}
	if s[1] <= 0 {
		return 0, fmt.Errorf("embedding dimension is dynamic in shape %v", s)
	}
	for _, d := range s[2:] {
		if d != 1 {
			return 0, fmt.Errorf("expected [N,D] output, got shape %v", s)
		}
	}
	return int(s[1]), nil
}

func newSession(cfg *config.Config, input, output string, logger zerolog.Logger) (*ort.DynamicAdvancedSession, string, error) {
	device := cfg.Inference.Device
	if device == config.DeviceCPU {
		s, err := ort.NewDynamicAdvancedSession(cfg.Model.Path, []string{input}, []string{output}, nil)
		if err != nil {
			return nil, "", fmt.Errorf("create ONNX session: %w", err)
		}
		return s, config.DeviceCPU, nil
	}

	s, err := cudaSession(cfg.Model.Path, input, output)
	if err == nil {
		return s, config.DeviceGPU, nil
	}
	if device == config.DeviceGPU {
		return nil, "", fmt.Errorf("CUDA requested but unavailable: %w", err)
	}
	logger.Warn().Err(err).Msg("CUDA unavailable, falling back to CPU")
	s, err = ort.NewDynamicAdvancedSession(cfg.Model.Path, []string{input}, []string{output}, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create ONNX session: %w", err)
	}
	return s, config.DeviceCPU, nil
}

func cudaSession(path, input, output string) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	defer cuda.Destroy()
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		return nil, err
	}
	return ort.NewDynamicAdvancedSession(path, []string{input}, []string{output}, opts)
}

func (m *onnxBackend) Name() string       { return config.BackendONNX }
func (m *onnxBackend) Dimensions() int    { return m.dims }
func (m *onnxBackend) InputShape() [3]int { return m.inputShape }
func (m *onnxBackend) Device() string     { return m.device }

// Run packs the batch into one [N,C,H,W] tensor and runs a forward pass.
func (m *onnxBackend) Run(batch []*preprocess.Tensor) ([][]float32, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	shape := batch[0].Shape()
	per := batch[0].Len()
	flat := make([]float32, 0, per*len(batch))
	for _, t := range batch {
		if t.Shape() != shape {
			return nil, fmt.Errorf("mixed tensor shapes %v and %v in batch", shape, t.Shape())
		}
		flat = append(flat, t.Data()...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	input, err := ort.NewTensor(ort.NewShape(int64(len(batch)), int64(shape[0]), int64(shape[1]), int64(shape[2])), flat)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	outShape := make(ort.Shape, m.outRank)
	outShape[0], outShape[1] = int64(len(batch)), int64(m.dims)
	for i := 2; i < m.outRank; i++ {
		outShape[i] = 1
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}

	data := output.GetData()
	if len(data) != len(batch)*m.dims {
		return nil, fmt.Errorf("unexpected output size: got %d, expected %d", len(data), len(batch)*m.dims)
	}
	results := make([][]float32, len(batch))
	for i := range results {
		results[i] = make([]float32, m.dims)
		copy(results[i], data[i*m.dims:(i+1)*m.dims])
	}
	return results, nil
}

func (m *onnxBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
