package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow run state: indexed columns for querying, the full
			-- state as a JSONB document.
			CREATE TABLE workflows (
				id TEXT PRIMARY KEY,
				status VARCHAR(50) NOT NULL,
				current_step INT NOT NULL DEFAULT 0,
				owner VARCHAR(255),
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_owner ON workflows(owner);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			-- Rollback snapshots.
			CREATE TABLE checkpoints (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				checkpoint_type VARCHAR(255) NOT NULL,
				description TEXT,
				step_index INT NOT NULL DEFAULT 0,
				current_agent VARCHAR(255),
				state BYTEA,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_checkpoints_workflow_id ON checkpoints(workflow_id);
			CREATE INDEX idx_checkpoints_created_at ON checkpoints(created_at);

			-- Append-only message log; seq preserves insertion order within
			-- a workflow.
			CREATE TABLE messages (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL,
				workflow_id TEXT NOT NULL,
				sender VARCHAR(255) NOT NULL,
				recipient VARCHAR(255) NOT NULL,
				message_type VARCHAR(50) NOT NULL,
				content JSONB,
				status VARCHAR(50),
				sent_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_messages_workflow_id ON messages(workflow_id);
		`,
	}
}
