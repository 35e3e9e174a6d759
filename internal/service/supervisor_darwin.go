//go:build darwin

package service

func platformSupervisor(home string, r Runner) Supervisor {
	return NewLaunchd(home, r)
}
