package detect

import (
	"fmt"
	"image"

	"github.com/swdee/go-rknnlite"
	"github.com/swdee/go-rknnlite/postprocess"
	"gocv.io/x/gocv"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// RKNNDetector runs a YOLOv5 model on the Rockchip NPU. Frames arrive as
// BGR24 byte slices and are converted and resized to the model's input
// tensor on the CPU; post-processing of the quantized outputs also happens
// on the CPU.
type RKNNDetector struct {
	rt     *rknnlite.Runtime
	yolo   *postprocess.YOLOv5
	labels []string
	inW    int
	inH    int
}

// NewRKNN loads the model and label list and verifies the runtime with one
// blank warm-up inference. A failure here means the NPU or model is unusable
// and the caller should treat it as fatal.
func NewRKNN(cfg config.DetectorConfig) (*RKNNDetector, error) {
	rt, err := rknnlite.NewRuntime(cfg.ModelPath, rknnlite.NPUCoreAuto)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}
	// keep quantized outputs, dequantization happens in post-processing
	rt.SetWantFloat(false)

	labels, err := rknnlite.LoadLabels(cfg.LabelsPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load labels %s: %w", cfg.LabelsPath, err)
	}

	attrs := rt.InputAttrs()
	if len(attrs) == 0 {
		rt.Close()
		return nil, fmt.Errorf("model %s reports no input tensors", cfg.ModelPath)
	}

	d := &RKNNDetector{
		rt:     rt,
		yolo:   postprocess.NewYOLOv5(postprocess.YOLOv5COCOParams()),
		labels: labels,
		inW:    int(attrs[0].Dims[1]),
		inH:    int(attrs[0].Dims[2]),
	}

	if err := d.warmup(); err != nil {
		d.Close()
		return nil, fmt.Errorf("warm-up inference: %w", err)
	}

	logger.Info("detect", "RKNN model %s ready, input %dx%d, %d labels",
		cfg.ModelPath, d.inW, d.inH, len(labels))
	return d, nil
}

// warmup runs one blank frame through the NPU so the first live frame does
// not absorb the runtime's lazy initialization, and so a broken setup fails
// at startup instead of mid-pipeline.
func (d *RKNNDetector) warmup() error {
	blank := gocv.NewMatWithSize(d.inH, d.inW, gocv.MatTypeCV8UC3)
	defer blank.Close()

	outputs, err := d.rt.Inference([]gocv.Mat{blank})
	if err != nil {
		return err
	}
	return outputs.Free()
}

// Infer runs one frame through the model and maps the results back into
// frame pixel coordinates.
func (d *RKNNDetector) Infer(frame *types.Frame) ([]RawDetection, error) {
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("wrap frame %d: %w", frame.ID, err)
	}
	defer mat.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)

	input := gocv.NewMat()
	defer input.Close()
	gocv.Resize(rgb, &input, image.Pt(d.inW, d.inH), 0, 0, gocv.InterpolationArea)

	outputs, err := d.rt.Inference([]gocv.Mat{input})
	if err != nil {
		return nil, fmt.Errorf("inference on frame %d: %w", frame.ID, err)
	}
	defer outputs.Free()

	results := d.yolo.DetectObjects(outputs)

	scaleX := float64(frame.Width) / float64(d.inW)
	scaleY := float64(frame.Height) / float64(d.inH)

	dets := make([]RawDetection, 0, len(results))
	for _, r := range results {
		box := types.BoundingBox{
			X:      int(float64(r.Box.Left) * scaleX),
			Y:      int(float64(r.Box.Top) * scaleY),
			Width:  int(float64(r.Box.Right-r.Box.Left) * scaleX),
			Height: int(float64(r.Box.Bottom-r.Box.Top) * scaleY),
		}
		clampBox(&box, frame.Width, frame.Height)
		dets = append(dets, RawDetection{
			ClassLabel: d.label(r.Class),
			Confidence: float64(r.Probability),
			Box:        box,
		})
	}
	return dets, nil
}

// Close releases the NPU runtime.
func (d *RKNNDetector) Close() error {
	return d.rt.Close()
}

func (d *RKNNDetector) label(class int) string {
	if class >= 0 && class < len(d.labels) {
		return d.labels[class]
	}
	return fmt.Sprintf("class_%d", class)
}

// clampBox trims a box to the frame. Boxes entirely outside come out with a
// nonpositive width or height and fail validation downstream.
func clampBox(b *types.BoundingBox, width, height int) {
	if b.X < 0 {
		b.Width += b.X
		b.X = 0
	}
	if b.Y < 0 {
		b.Height += b.Y
		b.Y = 0
	}
	if b.X+b.Width > width {
		b.Width = width - b.X
	}
	if b.Y+b.Height > height {
		b.Height = height - b.Y
	}
}
