package pid1

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// ReRun converts the current process into a bare-bones init, runs the current
// commandline as a child process, and waits for it to complete.  The new child
// process shares stdin/stdout/stderr with the parent.  When the child exits,
// this returns its exit code.  If there is an error in reaping children that
// this can not handle, it will panic.
func ReRun() (int, error) {
	bin, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return 0, err
	}
	cmd := exec.Command(bin, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return runInit(cmd.Process.Pid), nil
}

// runInit runs a bare-bones init process.  This will return when firstborn
// exits.  In case of truly unknown errors it will panic.
func runInit(firstborn int) int {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs)
	for sig := range sigs {
		if sig != syscall.SIGCHLD {
			// Pass it on to the real process.
			syscall.Kill(firstborn, sig.(syscall.Signal))
		}
		// Always try to reap a child - empirically, sometimes this gets missed.
		if done, code := sigchld(firstborn); done {
			return code
		}
	}
	return 0
}

// sigchld handles a SIGCHLD.  This will return true, plus the exit code, when
// firstborn exits.  In case of truly unknown errors it will panic.
func sigchld(firstborn int) (bool, int) {
	// Loop to handle multiple child processes.
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil {
			panic(fmt.Sprintf("failed to wait4(): %v\n", err))
		}

		if pid == firstborn {
			return true, status.ExitStatus()
		}
		if pid <= 0 {
			// No more children to reap.
			break
		}
		// Must have found one, see if there are more.
	}
	return false, 0
}
