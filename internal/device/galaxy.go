package device

// GalaxyS3 is the policy for devices with a hardware home key: volume keys
// move the highlight, home confirms, back pops a level. Power does nothing
// on the menu (it is reserved for the display toggle).
type GalaxyS3 struct {
	*Base
}

// NewGalaxyS3 builds the galaxy policy over the stock menu tree.
func NewGalaxyS3() Device {
	return &GalaxyS3{Base: NewBase("galaxys3")}
}

func (d *GalaxyS3) HandleMenuKey(key int, visible bool) (KeyAction, int) {
	if !visible {
		return KeyIgnore, 0
	}
	switch key {
	case KeyVolumeDown:
		return KeyHighlightDown, 0
	case KeyVolumeUp:
		return KeyHighlightUp, 0
	case KeyHome:
		return KeyInvoke, 0
	case KeyBack:
		return KeyGoBack, 0
	default:
		return KeyIgnore, 0
	}
}

func init() {
	Register("galaxys3", NewGalaxyS3)
}
