package hotkey

// Toggles turns key presses into toggle events. Holding the combo emits a
// single event; the next one needs a release first. The returned channel is
// closed once done is closed.
func Toggles(hk Hotkey, done <-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-hk.Keydown():
			}
			select {
			case out <- struct{}{}:
			default:
			}
			select {
			case <-done:
				return
			case <-hk.Keyup():
			}
		}
	}()
	return out
}
