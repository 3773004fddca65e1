package domain

import (
	"testing"

	"layerstore/testutil"
)

func TestDomainDependsOnNoInternalPackage(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain is shared by every layer")
	testutil.AssertNoTransitiveDependency(t, "layerstore/pkg/domain", testutil.InternalImportForbidden, "domain is shared by every layer")
}
