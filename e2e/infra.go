package main

import (
	"fmt"
	"path/filepath"
	"time"
)

// terraformApply runs terraform init + apply for all infrastructure.
func terraformApply() {
	tfDir := filepath.Join(getE2EDir(), "terraform")

	info("Initializing Terraform...")

	if _, err := runInDir(tfDir, "terraform", "init"); err != nil {
		fatal("Terraform init failed: %v", err)
	}

	info("Applying Terraform configuration (Redis + Gatewarden instances)...")

	if err := streamInDir(tfDir, "terraform", "apply",
		"-auto-approve",
		"-var", "namespace="+namespace,
		"-var", "gatewarden_image="+imageName,
		"-var", "testbackend_image="+testbackendImageName,
	); err != nil {
		fatal("Terraform apply failed: %v", err)
	}

	info("Waiting for infrastructure to be ready...")
	waitForInfrastructure()

	info("All infrastructure deployed and ready")
}

// terraformDestroy runs terraform destroy.
func terraformDestroy() {
	tfDir := filepath.Join(getE2EDir(), "terraform")

	info("Destroying Terraform infrastructure...")

	if err := streamInDir(tfDir, "terraform", "destroy",
		"-auto-approve",
		"-var", "namespace="+namespace,
		"-var", "gatewarden_image="+imageName,
		"-var", "testbackend_image="+testbackendImageName,
	); err != nil {
		warn("Terraform destroy encountered errors: %v", err)
	}
}

// waitForInfrastructure waits for all deployed pods to be ready.
func waitForInfrastructure() {
	checks := []struct {
		name     string
		selector string
	}{
		{"Redis Single", "app=redis-single"},
		{"Redis Primary (sentinel)", "app=redis-sentinel,role=master"},
		{"Redis Sentinels", "app=redis-sentinel-node"},
		{"Redis Cluster", "app=redis-cluster"},
		{"Test backend (multi-protocol)", "app=testbackend"},
		{"Gatewarden (single-pt)", "gatewarden-scenario=single-pt"},
		{"Gatewarden (single-fc)", "gatewarden-scenario=single-fc"},
		{"Gatewarden (single-fb)", "gatewarden-scenario=single-fb"},
		{"Gatewarden (sentinel-basic)", "gatewarden-scenario=sentinel-basic"},
		{"Gatewarden (cluster-basic)", "gatewarden-scenario=cluster-basic"},
		{"Gatewarden (categories)", "gatewarden-scenario=categories"},
		{"Gatewarden (lockout)", "gatewarden-scenario=lockout"},
		{"Gatewarden (quota)", "gatewarden-scenario=quota"},
		{"Gatewarden (protocol)", "gatewarden-scenario=protocol"},
		{"Gatewarden (protocol-h3)", "gatewarden-scenario=protocol-h3"},
		{"Gatewarden (config-reload)", "gatewarden-scenario=config-reload"},
	}

	for _, c := range checks {
		info("Waiting for %s...", c.name)

		if err := waitForPods(c.selector, 3*time.Minute); err != nil {
			fatal("%s not ready: %v", c.name, err)
		}

		fmt.Printf("  ✓ %s ready\n", c.name)
	}

	// Wait for Redis Cluster init job.
	info("Waiting for Redis Cluster initialization job...")

	if err := waitForJob("redis-cluster-init", 2*time.Minute); err != nil {
		fatal("Redis Cluster init failed: %v", err)
	}

	fmt.Println("  ✓ Redis Cluster initialized")
}
