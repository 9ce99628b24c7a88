package dashboard

import (
	"context"
	"image"
	"testing"

	"github.com/annel0/memreplay/internal/ram"
	"github.com/annel0/memreplay/internal/render"
	"github.com/annel0/memreplay/internal/replay"
	"github.com/stretchr/testify/assert"
)

type fakeController struct {
	calls   []string
	stats   replay.Statistics
	failure error
}

func (f *fakeController) Start() error      { f.calls = append(f.calls, "start"); return f.failure }
func (f *fakeController) Suspend() error    { f.calls = append(f.calls, "suspend"); return f.failure }
func (f *fakeController) SingleStep() error { f.calls = append(f.calls, "step"); return f.failure }
func (f *fakeController) Stop()             { f.calls = append(f.calls, "stop") }
func (f *fakeController) Stats() replay.Statistics { return f.stats }
func (f *fakeController) Render(ctx context.Context, view render.View) (*image.RGBA, error) {
	return image.NewRGBA(image.Rect(0, 0, view.Width, view.Height)), nil
}

func TestHandleKeyDrivesController(t *testing.T) {
	ctrl := &fakeController{}
	d := New(ctrl, render.View{Width: 4, Height: 4}, 64*ram.FrameSize, nil)

	assert.False(t, d.HandleKey("r"))
	assert.False(t, d.HandleKey("s"))
	assert.False(t, d.HandleKey("n"))
	assert.False(t, d.HandleKey("x"))
	assert.True(t, d.HandleKey("q"))
	assert.Equal(t, []string{"start", "suspend", "step", "stop"}, ctrl.calls)
}

func TestHandleKeyReportsErrors(t *testing.T) {
	ctrl := &fakeController{failure: replay.ErrInvalidOperation}
	d := New(ctrl, render.View{}, 64*ram.FrameSize, nil)
	d.HandleKey("s")
	assert.Contains(t, d.status, "invalid operation")
}

func TestZoomAndShift(t *testing.T) {
	d := New(&fakeController{}, render.View{Width: 4, Height: 4}, 64*ram.FrameSize, nil)

	d.HandleKey("-")
	d.HandleKey("-")
	assert.Equal(t, uint32(4), d.view.ZoomLevel)
	d.HandleKey("+")
	assert.Equal(t, uint32(2), d.view.ZoomLevel)

	d.HandleKey("<Right>")
	assert.Equal(t, uint64(8*ram.FrameSize), d.view.StartAddress)
	d.HandleKey("<Left>")
	d.HandleKey("<Left>")
	assert.Equal(t, uint64(0), d.view.StartAddress)

	// за конец памяти не уходим
	for i := 0; i < 20; i++ {
		d.HandleKey("<Right>")
	}
	assert.Less(t, d.view.StartAddress, uint64(64*ram.FrameSize))
}

func TestSampleHistory(t *testing.T) {
	d := New(&fakeController{}, render.View{}, ram.FrameSize, nil)
	assert.Equal(t, []float64{10}, d.sample(replay.Statistics{Index: 10}))
	assert.Equal(t, []float64{10, 5}, d.sample(replay.Statistics{Index: 15}))

	for i := 0; i < historySize+5; i++ {
		d.sample(replay.Statistics{Index: 15})
	}
	assert.Len(t, d.history, historySize)

	rows := d.rows(replay.Statistics{State: replay.Running, NumWrites: [4]uint64{1, 2, 3, 4}})
	assert.Equal(t, []string{"Состояние", "running"}, rows[0])
	assert.Equal(t, "1/2/3/4", rows[4][1])
}
