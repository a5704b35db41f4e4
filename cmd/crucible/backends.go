package main

// Agent backend blank imports — each import activates a self-registering
// backend. Add new backends here as they are implemented.

import (
	_ "github.com/Strob0t/Crucible/internal/adapter/claudecli"
	_ "github.com/Strob0t/Crucible/internal/adapter/execagent"
)
