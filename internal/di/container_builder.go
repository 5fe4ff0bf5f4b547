package di

import (
	"schemarun/internal/attach"
	"schemarun/internal/llm"
	"schemarun/internal/tools"
	"schemarun/internal/tools/codeexec"
	"schemarun/internal/tools/remote"
	"schemarun/internal/tools/retrieval"
	"schemarun/internal/upload"
)

// Client returns the shared API client.
func (c *Container) Client() (*llm.Client, error) {
	c.clientOnce.Do(func() {
		c.client, c.clientErr = llm.New(llm.Config{
			APIKey:     c.cfg.APIKey,
			BaseURL:    c.cfg.BaseURL,
			Timeout:    c.cfg.Timeout,
			Headers:    c.cfg.Headers,
			MaxRetries: c.cfg.MaxRetries,
			Logger:     c.logger,
		})
	})
	return c.client, c.clientErr
}

// Resolver returns the attachment resolver bound to the run's gate.
func (c *Container) Resolver() *attach.Resolver {
	c.resolverOnce.Do(func() {
		opts := append([]attach.Option{attach.WithLogger(c.logger)}, c.cfg.ResolverOpts...)
		c.resolver = attach.NewResolver(c.cfg.Gate, opts...)
	})
	return c.resolver
}

// Uploads returns the shared upload manager.
func (c *Container) Uploads() (*upload.Manager, error) {
	c.uploadsOnce.Do(func() {
		client, err := c.Client()
		if err != nil {
			c.uploadsErr = err
			return
		}
		opts := []upload.Option{upload.WithLogger(c.logger)}
		if c.cfg.HashAlgo != "" {
			opts = append(opts, upload.WithHashAlgo(c.cfg.HashAlgo))
		}
		if c.cfg.Retry.MaxAttempts > 0 {
			opts = append(opts, upload.WithRetryConfig(c.cfg.Retry))
		}
		c.uploads = upload.NewManager(client, c.Resolver(), opts...)
	})
	return c.uploads, c.uploadsErr
}

// CodeExec returns the code-execution driver, building it on first use.
func (c *Container) CodeExec() (*codeexec.Driver, error) {
	c.codeOnce.Do(func() {
		client, err := c.Client()
		if err != nil {
			c.codeErr = err
			return
		}
		uploads, err := c.Uploads()
		if err != nil {
			c.codeErr = err
			return
		}
		c.code, c.codeErr = codeexec.NewDriver(client, uploads, c.cfg.Gate, c.cfg.CodeExec, c.logger)
		if c.codeErr == nil {
			c.remember(c.code)
		}
	})
	return c.code, c.codeErr
}

// Retrieval returns the retrieval driver, building it on first use.
func (c *Container) Retrieval() (*retrieval.Driver, error) {
	c.retrOnce.Do(func() {
		client, err := c.Client()
		if err != nil {
			c.retrErr = err
			return
		}
		uploads, err := c.Uploads()
		if err != nil {
			c.retrErr = err
			return
		}
		opts := c.cfg.Retrieval
		if opts.RunID == "" {
			opts.RunID = c.cfg.RunID
		}
		c.retr, c.retrErr = retrieval.NewDriver(client, uploads, opts, c.logger)
		if c.retrErr == nil {
			c.remember(c.retr)
		}
	})
	return c.retr, c.retrErr
}

// Remote returns the remote-tool adapter, building it on first use. The
// approval-mode gate fires here, before anything touches the network.
func (c *Container) Remote() (*remote.Adapter, error) {
	c.remoteOnce.Do(func() {
		c.remote, c.remoteErr = remote.NewAdapter(c.cfg.Endpoints, c.cfg.Approval,
			remote.WithLogger(c.logger))
		if c.remoteErr == nil {
			c.remember(c.remote)
		}
	})
	return c.remote, c.remoteErr
}

// Drivers builds the driver set for the plan's enabled tools, in the fixed
// bundle order: code execution, retrieval, remote endpoints. Enabling the
// remote tool without configuring an endpoint is a warning, not an error.
func (c *Container) Drivers() ([]tools.Driver, error) {
	var out []tools.Driver

	if c.cfg.Plan.Enabled.Has(attach.ToolCodeExec) {
		d, err := c.CodeExec()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if c.cfg.Plan.Enabled.Has(attach.ToolRetrieval) {
		d, err := c.Retrieval()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if c.cfg.Plan.Enabled.Has(attach.ToolRemote) {
		if len(c.cfg.Endpoints) == 0 {
			c.logger.Warn("remote tools are enabled but no endpoint is configured; skipping them")
		} else {
			d, err := c.Remote()
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// Artifacts returns the artifact downloader when code execution is active,
// nil otherwise.
func (c *Container) Artifacts() (*codeexec.Driver, error) {
	if !c.cfg.Plan.Enabled.Has(attach.ToolCodeExec) {
		return nil, nil
	}
	return c.CodeExec()
}
