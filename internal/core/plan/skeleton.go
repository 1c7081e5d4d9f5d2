package plan

import "fmt"

// Skeleton returns a commented example plan definition for the given
// name, used by the plan-new command as a starting point.
func Skeleton(name string) string {
	if name == "" {
		name = "name"
	}
	return fmt.Sprintf(`# example plan
#
# keys (command, detach, tty, volumes, ports, environment, options) are optional
# volumes are host: {bind: container}
# port bindings are container: host ("auto" asks the engine for a free port)

---

name: %s
image: vendor/%s
command: serve
detach: true
tty: false
volumes:
  .: {bind: /data}
ports:
  - 7171: 7171
`, name, name)
}
