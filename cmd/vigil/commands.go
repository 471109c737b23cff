package main

import (
	"fmt"
	"time"
)

type command struct{}

// Start resumes the managed backend
func (c *command) Start(f StartFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	return c.startViaAPI(apiClient)
}

// startViaAPI starts the backend using the daemon API
func (c *command) startViaAPI(apiClient *APIClient) error {
	return apiClient.Start()
}

// Status prints the backend snapshot
func (c *command) Status(f StatusFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	return c.statusViaAPI(apiClient)
}

// statusViaAPI gets the snapshot using the daemon API
func (c *command) statusViaAPI(apiClient *APIClient) error {
	result, err := apiClient.Status()
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// Stop shuts the backend down and prints the resulting snapshot
func (c *command) Stop(f StopFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	if f.Wait <= 0 {
		f.Wait = 3 * time.Second
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	return c.stopViaAPI(f, apiClient)
}

// stopViaAPI stops the backend using the daemon API
func (c *command) stopViaAPI(f StopFlags, apiClient *APIClient) error {
	if err := apiClient.Stop(f.Wait); err != nil {
		return err
	}

	// Get status and print
	result, err := apiClient.Status()
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// Restart stops the backend and brings it back up
func (c *command) Restart(f RestartFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	return apiClient.Restart()
}

// UpdateCheck asks the daemon to query its update feed
func (c *command) UpdateCheck(f UpdateFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	return c.updateCheckViaAPI(apiClient)
}

// updateCheckViaAPI triggers the check and polls status until it settles.
// The check runs on the daemon; its outcome lands in the status snapshot.
func (c *command) updateCheckViaAPI(apiClient *APIClient) error {
	if err := apiClient.UpdateCheck(); err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		result, err := apiClient.Status()
		if err != nil {
			return err
		}
		if !updateStateIs(result, "checking") || time.Now().After(deadline) {
			printJSON(result)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// UpdateDownload asks the daemon to download the available update
func (c *command) UpdateDownload(f UpdateFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	if err := apiClient.UpdateDownload(); err != nil {
		return err
	}
	fmt.Println("Download started. Watch 'vigil status' for progress.")
	return nil
}

// UpdateApply asks the daemon to hand the staged update to the installer
func (c *command) UpdateApply(f UpdateFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8245/api" // Default local daemon
	}

	apiClient := NewAPIClient(apiUrl, f.APITimeout)
	if !apiClient.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'vigil serve'", apiUrl)
	}

	if err := apiClient.UpdateApply(); err != nil {
		return err
	}
	fmt.Println("Update handed to the installer. The daemon exits once the installer takes over.")
	return nil
}

// updateStateIs reports whether the snapshot's update block is in the given state
func updateStateIs(snapshot map[string]interface{}, state string) bool {
	upd, ok := snapshot["update"].(map[string]interface{})
	if !ok {
		return false
	}
	return upd["state"] == state
}
