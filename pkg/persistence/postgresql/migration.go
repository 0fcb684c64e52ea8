package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_templates (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				contract_type VARCHAR(255) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT true,
				version INTEGER NOT NULL DEFAULT 1,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_templates_contract_type ON workflow_templates(contract_type);

			CREATE TABLE workflow_instances (
				id VARCHAR(255) PRIMARY KEY,
				template_id VARCHAR(255) NOT NULL,
				subject_id VARCHAR(255),
				title VARCHAR(512) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'completed', 'cancelled', 'error')),
				assignees JSONB NOT NULL DEFAULT '[]',
				estimated_end_date TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_instances_template_id ON workflow_instances(template_id);
			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_subject_id ON workflow_instances(subject_id);
			CREATE INDEX idx_workflow_instances_created_at ON workflow_instances(created_at);
		`,
		2: `
			CREATE TABLE approval_requests (
				id VARCHAR(255) PRIMARY KEY,
				instance_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'expired')),
				deadline TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_approval_requests_instance_id ON approval_requests(instance_id);
			CREATE INDEX idx_approval_requests_status ON approval_requests(status);
			CREATE INDEX idx_approval_requests_deadline ON approval_requests(deadline);
		`,
	}
}
