package clip

import (
	"fmt"
	"image"

	"github.com/ollama/mmproc/fs"
	"github.com/ollama/mmproc/model/imageproc"
)

type ImageProcessor struct {
	doConvertRGB bool

	doResize     bool
	shortestEdge int
	resizeSize   image.Point
	resample     int

	doCenterCrop bool
	cropSize     image.Point

	doRescale     bool
	rescaleFactor float32

	doNormalize bool
	mean, std   [3]float32
}

func newImageProcessor(c fs.Config) (*ImageProcessor, error) {
	p := ImageProcessor{
		doConvertRGB:  c.Bool("vision.do_convert_rgb", true),
		doResize:      c.Bool("vision.do_resize", true),
		shortestEdge:  int(c.Uint("vision.shortest_edge")),
		resizeSize:    image.Point{int(c.Uint("vision.resize_width")), int(c.Uint("vision.resize_height"))},
		resample:      imageproc.ResampleMethod(int(c.Uint("vision.resample", 3))),
		doCenterCrop:  c.Bool("vision.do_center_crop", true),
		cropSize:      image.Point{int(c.Uint("vision.crop_width", 224)), int(c.Uint("vision.crop_height", 224))},
		doRescale:     c.Bool("vision.do_rescale", true),
		rescaleFactor: c.Float("vision.rescale_factor", 1.0/255.0),
		doNormalize:   c.Bool("vision.do_normalize", true),
	}

	if p.shortestEdge == 0 && p.resizeSize.X == 0 {
		p.shortestEdge = 224
	}

	var err error
	if p.mean, err = triple(c.Floats("vision.image_mean", imageproc.ClipDefaultMean[:])); err != nil {
		return nil, fmt.Errorf("image_mean: %w", err)
	}

	if p.std, err = triple(c.Floats("vision.image_std", imageproc.ClipDefaultSTD[:])); err != nil {
		return nil, fmt.Errorf("image_std: %w", err)
	}

	return &p, nil
}

func triple(v []float32) ([3]float32, error) {
	if len(v) != 3 {
		return [3]float32{}, fmt.Errorf("expected 3 values, got %d", len(v))
	}

	return [3]float32{v[0], v[1], v[2]}, nil
}

// ProcessImage returns the channel first pixel values of img and the size
// they were computed at.
func (p *ImageProcessor) ProcessImage(img image.Image) ([]float32, image.Point) {
	if p.doConvertRGB {
		img = imageproc.Composite(img)
	}

	if p.doResize {
		if p.shortestEdge > 0 {
			img = imageproc.ResizeShortestEdge(img, p.shortestEdge, p.resample)
		} else {
			img = imageproc.Resize(img, p.resizeSize, p.resample)
		}
	}

	if p.doCenterCrop {
		img = imageproc.CenterCrop(img, p.cropSize)
	}

	factor := float32(1)
	if p.doRescale {
		factor = p.rescaleFactor
	}

	mean, std := [3]float32{}, [3]float32{1, 1, 1}
	if p.doNormalize {
		mean, std = p.mean, p.std
	}

	return imageproc.NormalizeFactor(img, factor, mean, std, true), img.Bounds().Size()
}
