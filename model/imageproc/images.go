package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// ResampleMethod maps a PIL resampling filter id, as stored in
// preprocessor configs, to a resize method.
func ResampleMethod(pil int) int {
	switch pil {
	case 0:
		return ResizeNearestNeighbor
	case 3:
		return ResizeCatmullrom
	default:
		return ResizeBilinear
	}
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// ShortestEdgeSize returns the size of an image scaled so its shorter side
// is edge pixels long, keeping the aspect ratio.
func ShortestEdgeSize(size image.Point, edge int) image.Point {
	if size.X <= size.Y {
		return image.Point{X: edge, Y: edge * size.Y / size.X}
	}

	return image.Point{X: edge * size.X / size.Y, Y: edge}
}

// ResizeShortestEdge scales img so that its shorter side is edge pixels long.
func ResizeShortestEdge(img image.Image, edge int, method int) image.Image {
	return Resize(img, ShortestEdgeSize(img.Bounds().Size(), edge), method)
}

// CenterCrop returns the centered region of img with the given size. Images
// smaller than the crop are padded with black.
func CenterCrop(img image.Image, size image.Point) image.Image {
	b := img.Bounds()
	top := (b.Dy() - size.Y) / 2
	left := (b.Dx() - size.X) / 2

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.Black}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, image.Point{X: b.Min.X + left, Y: b.Min.Y + top}, draw.Src)
	return dst
}

// Normalize returns a slice of float32 containing each of the r, g, b values for an image normalized around a value.
func Normalize(img image.Image, mean, std [3]float32, rescale bool, channelFirst bool) []float32 {
	factor := float32(1)
	if rescale {
		factor = 1.0 / 255.0
	}

	return NormalizeFactor(img, factor, mean, std, channelFirst)
}

// NormalizeFactor is Normalize with an explicit rescale factor applied to the
// 8 bit channel values before the mean and standard deviation.
func NormalizeFactor(img image.Image, factor float32, mean, std [3]float32, channelFirst bool) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	pixelVals := make([]float32, 3*n)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rVal := (float32(r>>8)*factor - mean[0]) / std[0]
			gVal := (float32(g>>8)*factor - mean[1]) / std[1]
			bVal := (float32(b>>8)*factor - mean[2]) / std[2]

			if channelFirst {
				pixelVals[i] = rVal
				pixelVals[n+i] = gVal
				pixelVals[2*n+i] = bVal
			} else {
				pixelVals[3*i] = rVal
				pixelVals[3*i+1] = gVal
				pixelVals[3*i+2] = bVal
			}
			i++
		}
	}

	return pixelVals
}
