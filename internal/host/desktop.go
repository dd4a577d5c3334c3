package host

import (
	"log/slog"

	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/router"
)

// Desktop is the window-system side of global commands.
type Desktop interface {
	Quit()
	Hide()
	SetLoginItem(s message.LoginPayload)
	CheckForUpdates()
	CursorScreenPoint() router.Point
	DisplayNearestPoint(p router.Point) router.Display
}

// Headless is the Desktop of a host without a window system. It reports a
// single 1920x1080 display and logs the commands it cannot carry out.
type Headless struct{}

func (Headless) Quit() {}
func (Headless) Hide() {}

func (Headless) SetLoginItem(s message.LoginPayload) {
	slog.Info("login item not supported headless", "open_at_login", s.OpenAtLogin)
}

func (Headless) CheckForUpdates() {
	slog.Info("update check not supported headless")
}

func (Headless) CursorScreenPoint() router.Point { return router.Point{} }

func (Headless) DisplayNearestPoint(router.Point) router.Display {
	r := router.Rect{Width: 1920, Height: 1080}
	return router.Display{ID: 1, Bounds: r, WorkArea: r, ScaleFactor: 1}
}
