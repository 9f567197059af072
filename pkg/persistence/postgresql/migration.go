package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Definitions are immutable documents keyed by name and packed version
			CREATE TABLE workflow_definitions (
				name VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (name, version)
			);

			CREATE TABLE activity_definitions (
				name VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (name, version)
			);

			-- workflow_version -1 holds the config shared by every version
			CREATE TABLE workflow_configs (
				workflow_name VARCHAR(255) NOT NULL,
				workflow_version BIGINT NOT NULL,
				config JSONB NOT NULL,
				PRIMARY KEY (workflow_name, workflow_version)
			);
		`,
		2: `
			CREATE TABLE executions (
				execution_id VARCHAR(64) PRIMARY KEY,
				job_id TEXT NOT NULL DEFAULT '',
				workflow_name VARCHAR(255) NOT NULL,
				workflow_version BIGINT NOT NULL,
				decision_list VARCHAR(255) NOT NULL,
				state VARCHAR(16) NOT NULL CHECK (state IN ('running', 'paused', 'cleanup', 'stopped')),
				awaiting_decision BOOLEAN NOT NULL DEFAULT false,
				decider_token VARCHAR(64),
				decider_alarm TIMESTAMP WITH TIME ZONE,
				history_seen BIGINT NOT NULL DEFAULT 0,
				last_seen TIMESTAMP WITH TIME ZONE NOT NULL,
				execution_start_to_close_timeout INT,
				task_schedule_to_close_timeout INT,
				task_schedule_to_start_timeout INT,
				task_start_to_close_timeout INT,
				-- history id counter, outside the optimistic version
				last_history_id BIGINT NOT NULL DEFAULT 0,
				version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_executions_decision ON executions(decision_list, awaiting_decision, last_seen);
			CREATE INDEX idx_executions_decider_alarm ON executions(decider_alarm) WHERE decider_token IS NOT NULL;
			CREATE INDEX idx_executions_job_id ON executions(job_id);

			CREATE TABLE history (
				execution_id VARCHAR(64) NOT NULL,
				id BIGINT NOT NULL,
				event_type VARCHAR(64) NOT NULL,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				attributes JSONB,
				PRIMARY KEY (execution_id, id)
			);

			CREATE INDEX idx_history_event_type ON history(event_type, timestamp);

			CREATE TABLE task_list (
				task_token VARCHAR(64) PRIMARY KEY,
				execution_id VARCHAR(64) NOT NULL,
				job_id TEXT NOT NULL DEFAULT '',
				task_list VARCHAR(255) NOT NULL,
				scheduled_event_id BIGINT NOT NULL,
				priority INT NOT NULL DEFAULT 0,
				worker_id VARCHAR(255),
				scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				heartbeat_timeout INT,
				heartbeat_alarm TIMESTAMP WITH TIME ZONE,
				schedule_to_close_timeout INT,
				start_to_close_timeout INT,
				task_alarm TIMESTAMP WITH TIME ZONE NOT NULL,
				cancelling BOOLEAN NOT NULL DEFAULT false,
				progress INT,
				progress_message TEXT NOT NULL DEFAULT '',
				notification_data JSONB,
				progress_data JSONB,
				version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_task_list_poll ON task_list(task_list, priority, scheduled_at) WHERE worker_id IS NULL;
			CREATE INDEX idx_task_list_execution ON task_list(execution_id);
			CREATE INDEX idx_task_list_alarms ON task_list(task_alarm, heartbeat_alarm);

			CREATE TABLE variables (
				execution_id VARCHAR(64) NOT NULL,
				name VARCHAR(255) NOT NULL,
				value JSONB,
				PRIMARY KEY (execution_id, name)
			);
		`,
	}
}
