package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(64) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				draft JSONB,
				published_version INT,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_organization_id ON flows(organization_id);
			CREATE INDEX idx_flows_created_at ON flows(created_at);

			CREATE TABLE flow_versions (
				flow_id VARCHAR(64) NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				number INT NOT NULL CHECK (number > 0),
				organization_id VARCHAR(255) NOT NULL,
				definition JSONB NOT NULL,
				published_by VARCHAR(255) NOT NULL DEFAULT '',
				rolled_back_from INT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (flow_id, number)
			);
		`,
		2: `
			CREATE TABLE bindings (
				phone_number VARCHAR(32) PRIMARY KEY,
				flow_id VARCHAR(64) NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				organization_id VARCHAR(255) NOT NULL,
				bound_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_bindings_organization_id ON bindings(organization_id);
			CREATE INDEX idx_bindings_flow_id ON bindings(flow_id);
		`,
	}
}
