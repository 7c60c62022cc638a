package buildtool

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/taskd/internal/model"
)

var (
	rootProjectRegex = regexp.MustCompile(`^Tasks runnable from root project '([^']+)'`)
	daemonLineRegex  = regexp.MustCompile(`^\s*(\d+)\s+(\S+)\s*(.*)$`)
)

func isRule(line string) bool {
	line = strings.TrimSpace(line)
	return len(line) > 0 && strings.Trim(line, "-") == ""
}

// ParseTasks reads the plain-console report of `tasks --all`. Task lines look
// like "sub:name - description" under "<Group> tasks" headings; the "Rules"
// section is skipped.
func ParseTasks(lines []string, projectDir string) []model.TaskDescriptor {
	rootProject := filepath.Base(projectDir)
	for _, line := range lines {
		if m := rootProjectRegex.FindStringSubmatch(line); m != nil {
			rootProject = m[1]
			break
		}
	}

	var tasks []model.TaskDescriptor
	group := ""
	inSection := false
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " ")
		if i+1 < len(lines) && isRule(lines[i+1]) && line != "" && !isRule(line) {
			heading := strings.TrimSpace(line)
			i++
			if strings.HasSuffix(heading, " tasks") {
				group = strings.ToLower(strings.TrimSuffix(heading, " tasks"))
				inSection = true
			} else {
				inSection = false
			}
			continue
		}
		if line == "" || isRule(line) {
			inSection = false
			continue
		}
		if !inSection || strings.HasPrefix(line, ">") {
			continue
		}
		tasks = append(tasks, parseTaskLine(line, group, rootProject))
	}
	return tasks
}

func parseTaskLine(line, group, rootProject string) model.TaskDescriptor {
	qualified, description, _ := strings.Cut(line, " - ")
	qualified = strings.TrimSpace(qualified)

	project := rootProject
	name := qualified
	if i := strings.LastIndex(qualified, ":"); i >= 0 {
		project = qualified[:i]
		name = qualified[i+1:]
	}
	return model.TaskDescriptor{
		Name:        name,
		Group:       group,
		Path:        ":" + qualified,
		Project:     project,
		Description: strings.TrimSpace(description),
	}
}

// ParseDaemonStatus reads the table printed by `--status`.
func ParseDaemonStatus(lines []string) []model.DaemonRecord {
	var daemons []model.DaemonRecord
	for _, line := range lines {
		m := daemonLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		daemons = append(daemons, model.DaemonRecord{
			PID:    pid,
			Status: m[2],
			Info:   strings.TrimSpace(m[3]),
		})
	}
	return daemons
}
