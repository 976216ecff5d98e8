//go:build !windows

package logger

import "os"

// IsService checks if the application is running as a service
func IsService() bool {
	_, err := os.Stdin.Stat()
	return detectService(err == nil, os.Getenv, os.Getppid())
}

// detectService reports a service when stdin is unusable, a service manager
// left its marker in the environment, or init is the parent. Being a process
// group leader is not a hint: every foreground shell job is one.
func detectService(stdin bool, getenv func(string) string, ppid int) bool {
	if !stdin {
		return true
	}
	if getenv("SERVICE_NAME") != "" || getenv("INVOCATION_ID") != "" {
		return true
	}
	return ppid == 1
}
