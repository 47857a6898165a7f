package tui

// Keys handled by the dashboard.
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyPane3    = "3"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyFilter   = "f"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	return StyleHelp.Render("Tab: cycle focus | 1/2/3: tasks/loop/board | j/k: select task | f: filter all/active/failed | q: quit")
}
