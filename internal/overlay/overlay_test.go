package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffbrowser/frameview/internal/model"
)

func TestTranslate_RootFrameUnaffected(t *testing.T) {
	rect := model.Rect{X: 10, Y: 20, Width: 30, Height: 40, Top: 20, Left: 10, Right: 40, Bottom: 60}
	got := Translate(rect, 0, map[int]*model.IframeInfo{})
	assert.Equal(t, rect, got)
}

func TestTranslate_SingleAncestorOffset(t *testing.T) {
	root := 0
	frameMap := map[int]*model.IframeInfo{
		1: {
			FrameIndex:          1,
			ParentFrameIndex:    &root,
			AbsoluteBoundingBox: &model.Rect{X: 100, Y: 50},
		},
	}
	rect := model.Rect{X: 5, Y: 5, Width: 10, Height: 10, Top: 5, Left: 5, Right: 15, Bottom: 15}

	got := Translate(rect, 1, frameMap)

	assert.Equal(t, 105.0, got.X)
	assert.Equal(t, 55.0, got.Y)
	assert.Equal(t, 115.0, got.Right)
	assert.Equal(t, 65.0, got.Bottom)
}

func TestTranslate_NestedIframesAccumulateOffsets(t *testing.T) {
	root := 0
	one := 1
	frameMap := map[int]*model.IframeInfo{
		1: {
			FrameIndex:          1,
			ParentFrameIndex:    &root,
			AbsoluteBoundingBox: &model.Rect{X: 100, Y: 0},
		},
		2: {
			FrameIndex:          2,
			ParentFrameIndex:    &one,
			AbsoluteBoundingBox: &model.Rect{X: 0, Y: 50},
		},
	}
	rect := model.Rect{X: 1, Y: 1}

	got := Translate(rect, 2, frameMap)

	assert.Equal(t, 101.0, got.X)
	assert.Equal(t, 51.0, got.Y)
}

func TestTranslate_StopsAtUnknownFrame(t *testing.T) {
	rect := model.Rect{X: 1, Y: 1}
	got := Translate(rect, 99, map[int]*model.IframeInfo{})
	assert.Equal(t, rect, got)
}

func TestCompose_DropsBoxOutsideViewport(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	boxes := map[model.EncodedID]model.Rect{
		{FrameIndex: 0, BackendNodeID: 1}: {Top: 1000, Left: 1000, Bottom: 1010, Right: 1010},
	}

	out, err := Compose(buf.Bytes(), boxes)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestCompose_DrawsBoxWithinViewport(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	boxes := map[model.EncodedID]model.Rect{
		{FrameIndex: 0, BackendNodeID: 1}: {Top: 5, Left: 5, Bottom: 15, Right: 15},
	}

	out, err := Compose(buf.Bytes(), boxes)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	r, g, b, _ := decoded.At(5, 10).RGBA()
	assert.NotEqual(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b}, "outline pixel should have been overdrawn")
}
