// Package dashboard терминальный монитор воспроизведения на termui.
package dashboard

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/ram"
	"github.com/annel0/memreplay/internal/render"
	"github.com/annel0/memreplay/internal/replay"
	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

const historySize = 120

// Controller управление и статистика воспроизведения (*replay.Replay)
type Controller interface {
	Start() error
	Suspend() error
	SingleStep() error
	Stop()
	Stats() replay.Statistics
	Render(ctx context.Context, view render.View) (*image.RGBA, error)
}

// Dashboard состояние монитора. Виджеты создаются в Run.
type Dashboard struct {
	ctrl    Controller
	view    render.View
	ramSize uint64

	history []float64
	prev    replay.Statistics
	status  string
	logger  *logging.Logger
}

// New создает монитор; view задает начальные параметры карты памяти
func New(ctrl Controller, view render.View, ramSize uint64, logger *logging.Logger) *Dashboard {
	if view.ZoomLevel == 0 {
		view.ZoomLevel = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dashboard{ctrl: ctrl, view: view, ramSize: ramSize, logger: logger, status: "r: старт  s: пауза  n: шаг  +/-: масштаб  ←/→: адрес  q: выход"}
}

// Run блокирует до нажатия q или отмены ctx
func (d *Dashboard) Run(ctx context.Context) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("failed to init termui: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = " [ ▶ Воспроизведение ] "
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = false
	table.BorderStyle.Fg = ui.ColorGreen

	spark := widgets.NewSparkline()
	spark.LineColor = ui.ColorYellow
	group := widgets.NewSparklineGroup(spark)
	group.BorderStyle.Fg = ui.ColorYellow

	bitmap := widgets.NewImage(nil)
	bitmap.Title = " Карта памяти "
	bitmap.BorderStyle.Fg = ui.ColorCyan

	help := widgets.NewParagraph()
	help.Border = false

	grid := ui.NewGrid()
	termWidth, termHeight := ui.TerminalDimensions()
	grid.SetRect(0, 0, termWidth, termHeight)
	grid.Set(
		ui.NewRow(0.6,
			ui.NewCol(0.4, table),
			ui.NewCol(0.6, bitmap),
		),
		ui.NewRow(0.33, ui.NewCol(1.0, group)),
		ui.NewRow(0.07, ui.NewCol(1.0, help)),
	)

	draw := func() {
		stats := d.ctrl.Stats()
		table.Rows = d.rows(stats)
		spark.Data = d.sample(stats)
		group.Title = fmt.Sprintf(" Записей/с (текущее: %.0f) ", spark.Data[len(spark.Data)-1])

		inner := bitmap.Inner
		d.view.Width, d.view.Height = max(inner.Dx(), 1), max(inner.Dy()*2, 1)
		if img, err := d.ctrl.Render(ctx, d.view); err == nil {
			bitmap.Image = img
		} else {
			d.logger.Warn("render: %v", err)
		}
		help.Text = d.status
		ui.Render(grid)
	}
	draw()

	uiEvents := ui.PollEvents()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-uiEvents:
			switch e.Type {
			case ui.KeyboardEvent:
				if d.HandleKey(e.ID) {
					return nil
				}
				draw()
			case ui.ResizeEvent:
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				draw()
			}
		case <-ticker.C:
			draw()
		}
	}
}

// HandleKey выполняет команду клавиши; true означает выход
func (d *Dashboard) HandleKey(key string) bool {
	var err error
	switch key {
	case "q", "<C-c>":
		d.ctrl.Stop()
		return true
	case "r":
		err = d.ctrl.Start()
	case "s":
		err = d.ctrl.Suspend()
	case "n":
		err = d.ctrl.SingleStep()
	case "+", "=":
		if d.view.ZoomLevel > 1 {
			d.view.ZoomLevel /= 2
		}
	case "-":
		if d.view.ZoomLevel < 1<<20 {
			d.view.ZoomLevel *= 2
		}
	case "<Right>":
		d.shift(1)
	case "<Left>":
		d.shift(-1)
	case "<Home>":
		d.view.StartAddress = 0
	default:
		return false
	}

	if err != nil {
		d.status = err.Error()
	} else {
		d.status = fmt.Sprintf("%s  zoom=%d  start=0x%x", key, d.view.ZoomLevel, d.view.StartAddress)
	}
	return false
}

// shift сдвигает начало карты на одну строку изображения
func (d *Dashboard) shift(dir int) {
	step := uint64(max(d.view.Width, 1)) * uint64(d.view.ZoomLevel) * ram.FrameSize
	if dir < 0 {
		if d.view.StartAddress < step {
			d.view.StartAddress = 0
			return
		}
		d.view.StartAddress -= step
		return
	}
	if d.view.StartAddress+step < d.ramSize {
		d.view.StartAddress += step
	}
}

// rows строки таблицы статистики
func (d *Dashboard) rows(s replay.Statistics) [][]string {
	return [][]string{
		{"Состояние", s.State.String()},
		{"Записей", fmt.Sprintf("%d", s.Index)},
		{"Доступов", fmt.Sprintf("%d", s.AccessIndex)},
		{"Цикл", fmt.Sprintf("%d", s.Cycle)},
		{"Записи 1/2/4/8", fmt.Sprintf("%d/%d/%d/%d", s.NumWrites[0], s.NumWrites[1], s.NumWrites[2], s.NumWrites[3])},
		{"CR3", fmt.Sprintf("0x%x (%d)", s.Cr3, s.NumCr3Switches)},
		{"Время", s.ReplayTime.Truncate(time.Millisecond).String()},
	}
}

// sample добавляет прирост записей с прошлого опроса в историю
func (d *Dashboard) sample(s replay.Statistics) []float64 {
	var delta float64
	if s.Index > d.prev.Index {
		delta = float64(s.Index - d.prev.Index)
	}
	d.prev = s

	if len(d.history) >= historySize {
		d.history = d.history[1:]
	}
	d.history = append(d.history, delta)
	return d.history
}
