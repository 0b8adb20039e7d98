package models

var (
	DeployTasks = []string{"deploy", "deploy:default", "deploy:migrations"}
	SetupTasks  = []string{"deploy:setup"}
)

// Verbs holds the past, imperative and progressive forms of a task name,
// e.g. "deployed", "deploy", "deploying".
type Verbs struct {
	Past        string
	Imperative  string
	Progressive string
}

var taskVerbs = map[string]Verbs{
	"deploy:stop":        {"stopped", "stop", "stopping"},
	"deploy:setup":       {"setup", "setup", "setting up"},
	"deploy:cleanup":     {"cleaned up", "clean up", "cleaning up"},
	"deploy:rollback":    {"rolled back", "rollback", "rolling back"},
	"deploy:migrate":     {"migrated", "migrate", "migrating"},
	"deploy:web:disable": {"disabled", "disable", "disabling"},
	"deploy:web:enable":  {"enabled", "enable", "enabling"},
	"deploy:restart":     {"restarted", "restart", "restarting"},
	"deploy:migrations":  {"deployed and migrated", "deploy and migrate", "deploying and migrating"},
	"deploy":             {"deployed", "deploy", "deploying"},
}

// HumanizeTask returns the verb forms used in notifications. Unknown tasks
// use the task name for every form.
func HumanizeTask(task string) Verbs {
	if v, ok := taskVerbs[task]; ok {
		return v
	}
	return Verbs{Past: task, Imperative: task, Progressive: task}
}

func IsDeployTask(task string) bool {
	for _, t := range DeployTasks {
		if t == task {
			return true
		}
	}
	return false
}
