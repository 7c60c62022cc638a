//go:build !unix

package process

func newSignalKiller() Killer {
	return &CommandKiller{Name: "taskkill", Args: []string{"/F", "/PID"}}
}
