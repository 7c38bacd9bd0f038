package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you no longer need the data from a
// streaming channel (e.g., the message channel of a session being torn down,
// or the frames of a microphone that is shutting down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
