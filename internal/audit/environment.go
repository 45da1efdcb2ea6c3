package audit

import (
	"os"
	"os/user"
	"runtime"

	"github.com/roach88/auditscope/internal/event"
)

// captureEnvironment records who and where the scope was created.
// skip counts frames above captureEnvironment's caller.
func captureEnvironment(skip int) *event.Environment {
	env := &event.Environment{RuntimeVersion: runtime.Version()}

	if u, err := user.Current(); err == nil {
		env.UserName = u.Username
	} else {
		env.UserName = os.Getenv("USER")
	}
	if host, err := os.Hostname(); err == nil {
		env.MachineName = host
	}
	if pc, _, _, ok := runtime.Caller(skip); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			env.CallingMethod = fn.Name()
		}
	}
	return env
}
