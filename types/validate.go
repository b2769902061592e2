package types

// ValidateTaskSpec checks a single task declaration for targeting
// misconfigurations. These abort job creation before anything persists.
func ValidateTaskSpec(spec *TaskSpec) error {
	if spec.Name == "" {
		return &ValidationError{Field: "name", Message: "task name is required"}
	}
	if !spec.Target.Valid() {
		return NewValidationError("Task \"%s\" has invalid target %d", spec.Name, int(spec.Target))
	}
	if spec.Target == TargetSingleSpecificAgent && spec.TargetAgentID == "" {
		return NewValidationError("Task \"%s\" has target \"%s\" but no target agent id", spec.Name, spec.Target)
	}
	if spec.Target.UsesTags() && len(spec.RequiredTags) == 0 {
		return NewValidationError("Task \"%s\" has target \"%s\" but no required tags", spec.Name, spec.Target)
	}
	if spec.AutoRestart && spec.Target.IsAll() {
		return NewValidationError("Task \"%s\" has auto restart enabled which is not compatible with target \"%s\"", spec.Name, spec.Target)
	}
	return nil
}

// ValidateJobSpec checks every task declaration in a job submission.
// Cycle detection is a separate pass handled by the dag package.
func ValidateJobSpec(tasks []TaskSpec) error {
	if len(tasks) == 0 {
		return &ValidationError{Field: "tasks", Message: "at least one task is required"}
	}
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if err := ValidateTaskSpec(&tasks[i]); err != nil {
			return err
		}
		if seen[tasks[i].Name] {
			return NewValidationError("duplicate task name %q", tasks[i].Name)
		}
		seen[tasks[i].Name] = true
	}
	for i := range tasks {
		for _, edge := range tasks[i].FromRoutes {
			if !seen[edge.TaskName] {
				return NewValidationError("Task \"%s\" declares a from route on unknown task \"%s\"", tasks[i].Name, edge.TaskName)
			}
		}
		for _, edge := range tasks[i].ToRoutes {
			if !seen[edge.TaskName] {
				return NewValidationError("Task \"%s\" declares a to route on unknown task \"%s\"", tasks[i].Name, edge.TaskName)
			}
		}
	}
	return nil
}
