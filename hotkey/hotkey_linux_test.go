//go:build linux

package hotkey

import "testing"

func TestComboEdges(t *testing.T) {
	type ev struct {
		code  uint16
		value int32
	}
	for _, tt := range []struct {
		name   string
		events []ev
		downs  int
		ups    int
	}{
		{"full combo", []ev{{keyLCtrl, keyPress}, {keyLShift, keyPress}, {keySpace, keyPress}, {keySpace, keyRelease}}, 1, 1},
		{"right modifiers", []ev{{keyRCtrl, keyPress}, {keyRShift, keyPress}, {keySpace, keyPress}}, 1, 0},
		{"space alone", []ev{{keySpace, keyPress}, {keySpace, keyRelease}}, 0, 0},
		{"ctrl released first", []ev{{keyLCtrl, keyPress}, {keyLShift, keyPress}, {keyLCtrl, keyRelease}, {keySpace, keyPress}}, 0, 0},
		{"autorepeat ignored", []ev{{keyLCtrl, keyPress}, {keyLShift, keyPress}, {keySpace, keyPress}, {keySpace, 2}, {keySpace, 2}, {keySpace, keyRelease}}, 1, 1},
		{"modifier autorepeat keeps held", []ev{{keyLCtrl, keyPress}, {keyLCtrl, 2}, {keyLShift, keyPress}, {keySpace, keyPress}}, 1, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var c combo
			var downs, ups int
			for _, e := range tt.events {
				d, u := c.feed(e.code, e.value)
				if d {
					downs++
				}
				if u {
					ups++
				}
			}
			if downs != tt.downs || ups != tt.ups {
				t.Errorf("downs=%d ups=%d, want %d/%d", downs, ups, tt.downs, tt.ups)
			}
		})
	}
}
